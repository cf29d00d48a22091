package ohmap

import (
	"encoding/binary"

	"github.com/ValentinKolb/oKV/lib/db/util"
	"github.com/ValentinKolb/oKV/lib/mem"
)

// --------------------------------------------------------------------------
// Extension Interface
// --------------------------------------------------------------------------

// Extension encodes keys and values of type K and V into entry payloads.
// All methods are called with the stripe lock of the entry held, so an
// implementation can read and write the payload freely.
//
// Implementations are expected to be small value types without mutable state.
type Extension[K, V any] interface {
	// Hash returns the 64-bit hash of key
	Hash(key K) uint64

	// EqualsAt reports whether the key stored in e equals key
	EqualsAt(e Entry, key K) bool

	// KeyAt decodes the key stored in e
	KeyAt(e Entry) K

	// SizeOf returns the number of payload bytes value needs
	SizeOf(value V) int

	// SizeAt returns the number of value bytes e can hold, which may be more
	// than the value currently stored
	SizeAt(e Entry) int

	// ValueAt decodes the value stored in e. The result must not alias
	// off-heap memory.
	ValueAt(e Entry) V

	// SetValueAt stores value in e. It is only called when SizeOf(value) <= SizeAt(e).
	SetValueAt(e Entry, value V)

	// PayloadSize returns the payload size of an entry holding key and a
	// value of valueSize bytes
	PayloadSize(key K, valueSize int) int

	// SetKeyAt stores key in a freshly allocated entry
	SetKeyAt(e Entry, key K)
}

// --------------------------------------------------------------------------
// String keys, byte slice values
// --------------------------------------------------------------------------

// StringBytes stores string keys and []byte values. The payload layout is
//
//	keyLen (uint32) | valueLen (uint32) | key bytes | value bytes
//
// Seed is mixed into every hash so that different maps spread the same keys
// differently.
type StringBytes struct {
	Seed uint64
}

const lengthsSize = 8

func (x StringBytes) Hash(key string) uint64 {
	return util.HashString(key, x.Seed)
}

func (StringBytes) keyLen(e Entry) int {
	return int(binary.LittleEndian.Uint32(e.Payload(4)))
}

func (x StringBytes) EqualsAt(e Entry, key string) bool {
	n := x.keyLen(e)
	if n != len(key) {
		return false
	}
	return string(e.Payload(lengthsSize + n)[lengthsSize:]) == key
}

func (x StringBytes) KeyAt(e Entry) string {
	n := x.keyLen(e)
	return string(e.Payload(lengthsSize + n)[lengthsSize:])
}

func (StringBytes) SizeOf(value []byte) int {
	return len(value)
}

func (x StringBytes) SizeAt(e Entry) int {
	return e.PayloadCapacity() - lengthsSize - x.keyLen(e)
}

// ValueLen returns the length of the value stored in e without copying it
func (StringBytes) ValueLen(e Entry) int {
	return int(binary.LittleEndian.Uint32(e.Payload(lengthsSize)[4:8]))
}

func (x StringBytes) ValueAt(e Entry) []byte {
	p := e.Payload(lengthsSize)
	k := int(binary.LittleEndian.Uint32(p[0:4]))
	v := int(binary.LittleEndian.Uint32(p[4:8]))
	value := make([]byte, v)
	copy(value, e.Payload(lengthsSize + k + v)[lengthsSize+k:])
	return value
}

func (x StringBytes) SetValueAt(e Entry, value []byte) {
	k := x.keyLen(e)
	p := e.Payload(lengthsSize + k + len(value))
	binary.LittleEndian.PutUint32(p[4:8], uint32(len(value)))
	copy(p[lengthsSize+k:], value)
}

func (StringBytes) PayloadSize(key string, valueSize int) int {
	return lengthsSize + len(key) + valueSize
}

func (StringBytes) SetKeyAt(e Entry, key string) {
	p := e.Payload(lengthsSize + len(key))
	binary.LittleEndian.PutUint32(p[0:4], uint32(len(key)))
	binary.LittleEndian.PutUint32(p[4:8], 0)
	copy(p[lengthsSize:], key)
}

// --------------------------------------------------------------------------
// Counters
// --------------------------------------------------------------------------

// Uint64Counter stores uint64 keys and int64 values in a fixed 16-byte
// payload, so values are always updated in place.
type Uint64Counter struct {
	Seed uint64
}

const counterPayloadSize = 16

func (x Uint64Counter) Hash(key uint64) uint64 {
	return util.HashUint64(key, x.Seed)
}

func (Uint64Counter) EqualsAt(e Entry, key uint64) bool {
	return mem.Load(e.PayloadAddr()) == key
}

func (Uint64Counter) KeyAt(e Entry) uint64 {
	return mem.Load(e.PayloadAddr())
}

func (Uint64Counter) SizeOf(int64) int {
	return 8
}

func (Uint64Counter) SizeAt(Entry) int {
	return 8
}

func (Uint64Counter) ValueAt(e Entry) int64 {
	return int64(mem.Load(e.PayloadAddr() + 8))
}

func (Uint64Counter) SetValueAt(e Entry, value int64) {
	mem.Store(e.PayloadAddr()+8, uint64(value))
}

func (Uint64Counter) PayloadSize(uint64, int) int {
	return counterPayloadSize
}

func (Uint64Counter) SetKeyAt(e Entry, key uint64) {
	mem.Store(e.PayloadAddr(), key)
}
