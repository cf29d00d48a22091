package ohmap

import (
	"github.com/ValentinKolb/oKV/lib/mem"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	// ConcurrencyLevel is the number of stripe locks. Capacities are rounded
	// up to a multiple of it.
	ConcurrencyLevel = 1 << 16
	stripeMask       = ConcurrencyLevel - 1

	hashOffset = 0
	nextOffset = 8
	timeOffset = 16

	// HeaderSize is the number of bytes in front of the payload of every entry
	HeaderSize = 24

	cellSize = 8
)

// roundCapacity rounds a requested capacity up to the next multiple of
// ConcurrencyLevel. Non-positive capacities yield ConcurrencyLevel.
func roundCapacity(requested int) int {
	if requested <= 0 {
		return ConcurrencyLevel
	}
	return (requested + stripeMask) &^ stripeMask
}

// stripeIndex returns the lock guarding the bucket of hash
func stripeIndex(hash uint64) int {
	return int(hash & stripeMask)
}

// bucketIndex returns the bucket of hash in a table of the given capacity
func bucketIndex(hash uint64, capacity int) int {
	return int((hash & (1<<63 - 1)) % uint64(capacity))
}

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// Entry is the address of an off-heap entry. The zero Entry is the null entry.
//
// An Entry is only valid while the stripe lock of its bucket is held. Once
// the lock is released the entry may be freed by another goroutine.
type Entry mem.Addr

// IsNull reports whether e is the null entry
func (e Entry) IsNull() bool {
	return e == 0
}

// Hash returns the full hash stored in the header
func (e Entry) Hash() uint64 {
	return mem.Load(mem.Addr(e) + hashOffset)
}

func (e Entry) setHash(hash uint64) {
	mem.Store(mem.Addr(e)+hashOffset, hash)
}

// Timestamp returns the last access time in unix milliseconds.
// The timestamp is written under read locks, so it is always accessed atomically.
func (e Entry) Timestamp() int64 {
	return mem.LoadAtomic(mem.Addr(e) + timeOffset)
}

func (e Entry) setTimestamp(ms int64) {
	mem.StoreAtomic(mem.Addr(e)+timeOffset, ms)
}

func (e Entry) nextCell() cell {
	return cell(mem.Addr(e) + nextOffset)
}

func (e Entry) next() Entry {
	return e.nextCell().load()
}

func (e Entry) setNext(n Entry) {
	e.nextCell().store(n)
}

// PayloadCapacity returns the number of payload bytes the entry can hold.
// It can be larger than what was requested at allocation time.
func (e Entry) PayloadCapacity() int {
	return mem.Capacity(mem.Addr(e)) - HeaderSize
}

// Payload returns a view of the first n payload bytes. The slice must not be
// retained after the stripe lock is released.
func (e Entry) Payload(n int) []byte {
	return mem.Bytes(mem.Addr(e)+HeaderSize, n)
}

// PayloadAddr returns the address of the first payload byte
func (e Entry) PayloadAddr() mem.Addr {
	return mem.Addr(e) + HeaderSize
}

// --------------------------------------------------------------------------
// Cells
// --------------------------------------------------------------------------

// cell is the address of a word holding an entry address: either a bucket slot
// or the next field of an entry. Unlinking an entry means storing its
// successor into the cell that points at it.
type cell mem.Addr

func (c cell) load() Entry {
	return Entry(mem.LoadAddr(mem.Addr(c)))
}

func (c cell) store(e Entry) {
	mem.StoreAddr(mem.Addr(c), mem.Addr(e))
}
