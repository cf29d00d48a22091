// Package larch implements the db.KVDB interface on top of the off-heap map
// in lib/ohmap. Keys and values are stored outside the Go heap, so a larch
// database can hold millions of entries without adding work for the garbage
// collector.
//
// The package focuses on:
//   - Mapping the KVDB operations onto ohmap point operations
//   - Time-to-live expiration with optional background eviction
//   - Detailed statistics via GetInfo
//
// Internal Mechanisms:
//
//   - Storage: A single ohmap.BytesMap holds all entries. Its capacity is fixed
//     at creation time (rounded up to a multiple of 65536 buckets); chains grow
//     beyond it, and the eviction policies keep the fill level near the
//     configured threshold.
//
//   - Expiration: Entries expire when they were not read or touched for the
//     time to live of the map. Expired entries are invisible to Get but remain
//     until a sweep removes them, which is why Has and SetIfAbsent still see
//     them.
//
//   - Metrics and Monitoring: GetInfo walks all entries in parallel and reports
//     the value size distribution, the spread of entries over the lock
//     stripes, the age histogram of the last sweep and arena usage. SizeBytes
//     is the exact number of arena bytes in use.
//
// Thread-safety: All methods are safe for concurrent use. Close must be called
// once after all other use has finished.
package larch
