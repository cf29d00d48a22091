// Package util provides utility components for the ohmap engine and for
// database implementations that satisfy the db.KVDB interface.
//
// The package contains:
//   - functions: Seed generation and seeded xxhash functions
//   - statistics: Stats, DistributionStats and a SizeHistogram for reporting on stored data
//   - quickselect: In-place k-th order statistic used by the sampling eviction policy
//   - fork: A small parallel task executor (fork/join) used for parallel iteration
package util
