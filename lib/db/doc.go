// Package db provides a standardized interface for key-value database implementations.
// It defines a KVDB interface that allows for consistent interaction with
// various database backends while abstracting implementation details.
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides methods for point operations (Set, SetIfAbsent, Get, Has, Touch, Delete),
//     bulk operations (RemoveExpired, Clear), metadata retrieval (GetInfo)
//     and lifecycle management (Close).
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     can advertise through the SupportsFeature method. This allows clients to
//     discover supported operations at runtime.
//
//   - Implementation Identifiers: The Implementation type provides string constants
//     for different database backends (currently "larch").
//
//   - Database Information: The DatabaseInfo structure provides standardized
//     reporting on database state, including size statistics, implementation type,
//     and implementation-specific metadata. Note: For most implementations all
//     size statistics will be estimated since a precise calculation can be
//     expensive.
//
// Note on Expiration:
//   - Entries expire when they were not accessed for the configured time to live.
//     Reads (Get) and Touch count as access and restart the time to live.
//   - Get() never returns an expired entry, even if the entry still exists
//     internally pending removal. Has() and SetIfAbsent() see the entry until it is
//     removed by RemoveExpired or a background eviction run.
//
// Related Packages:
//
// The engines/larch package (github.com/ValentinKolb/oKV/lib/db/engines/larch) implements
// KVDB on top of the off-heap map in lib/ohmap.
//
// The util package (github.com/ValentinKolb/oKV/lib/db/util) provides complementary
// tools for working with db.KVDB implementations:
//   - SizeHistogram: Utilities for analyzing data size distributions
//   - Fork: A parallel executor used for bulk operations
//   - ... and more
//
// The testing package (github.com/ValentinKolb/oKV/lib/db/testing) provides
// standardized tests and benchmarks for database implementations that satisfy the db.KVDB interface.
//   - RunKVDBTests: Runs a standardized test suite to validate implementations
//   - RunKVDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
