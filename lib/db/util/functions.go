package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed for hash distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// fall back to the clock if the system source fails
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString hashes a string with xxhash and mixes in the seed.
// Different seeds give independent bucket and stripe distributions for the same keys.
func HashString(s string, seed uint64) uint64 {
	return Mix64(xxhash.Sum64String(s) ^ seed)
}

// HashUint64 hashes an integer key with xxhash and mixes in the seed
func HashUint64(v uint64, seed uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return Mix64(xxhash.Sum64(b[:]) ^ seed)
}

// Mix64 is the murmur3 finalizer. It spreads every input bit over all output bits,
// so the low 16 bits (stripe) and the full value (bucket) stay independent.
func Mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}
