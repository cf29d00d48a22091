// Package ohmap implements a fixed-capacity, concurrent key-value map whose
// entries live outside the Go heap. Entries are allocated from a mem.Arena and
// linked into a bucket table that is itself an arena region, so the garbage
// collector never scans the stored data no matter how many entries exist.
//
// The package focuses on:
//   - Point operations (Get, Put, PutIfAbsent, Remove, Touch) guarded by
//     striped read-write locks
//   - Record handles that keep a stripe locked while the caller works with an
//     entry in place
//   - Bulk expiration with an age histogram, Clear and parallel iteration
//   - Background eviction with three policies (fixed TTL, histogram adaptive
//     and sampling adaptive)
//
// Key Components:
//
//   - Map: The engine. It is parameterized by the key type, the value type and
//     an Extension that knows how keys and values are encoded in the entry
//     payload. StringBytes (string keys, []byte values) and Uint64Counter
//     (uint64 keys, int64 values) are provided.
//
//   - Entry: The address of an off-heap entry. Every entry starts with a
//     24-byte header followed by the payload:
//
//     offset 0   hash        (uint64)
//     offset 8   next        (address of the next entry in the chain, 0 = end)
//     offset 16  last access (int64, unix milliseconds)
//
//   - Record / WritableRecord: Handles returned by LockRecordForRead and
//     LockRecordForWrite. The stripe lock of the key is held until Release.
//
// Internal Mechanisms:
//
//   - Addressing: The capacity is rounded up to a multiple of ConcurrencyLevel
//     (65536). A hash h selects lock h & 0xFFFF and bucket
//     (h & MaxInt64) % capacity. Since the capacity is a multiple of the lock
//     count, every bucket is guarded by exactly one lock and a sweep over lock i
//     visits buckets i, i+65536, i+2*65536, ...
//
//   - Expiration: An entry is expired when now - lastAccess > timeToLive.
//     Reads refresh the timestamp of live entries. Expired entries are not
//     removed by reads, they stay until a sweep or an overwrite.
//
//   - Age Histogram: Each sweep records the age of every surviving entry in a
//     65-slot histogram indexed by the number of leading zero bits of the age
//     in milliseconds. Slot 1 holds the oldest entries, slot 64 entries younger
//     than one millisecond.
//
//   - Eviction: A policy computes an age threshold and then runs a sweep with
//     it. The adaptive policies target EntriesToClean() removals, which is the
//     amount the live count exceeds the fill level permitted by the cleanup
//     threshold.
//
// Thread-safety: All methods of Map are safe for concurrent use, except Close,
// which must be called once after all other use has finished.
package ohmap
