package mem

import (
	"sync/atomic"
	"unsafe"
)

// Load reads the 64-bit word at addr
func Load(addr Addr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// Store writes the 64-bit word at addr
func Store(addr Addr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

// LoadAddr reads an address stored at addr
func LoadAddr(addr Addr) Addr {
	return *(*Addr)(unsafe.Pointer(addr))
}

// StoreAddr writes an address to addr
func StoreAddr(addr Addr, v Addr) {
	*(*Addr)(unsafe.Pointer(addr)) = v
}

// LoadAtomic atomically reads the 64-bit word at addr. addr must be 8-byte aligned.
func LoadAtomic(addr Addr) int64 {
	return atomic.LoadInt64((*int64)(unsafe.Pointer(addr)))
}

// StoreAtomic atomically writes the 64-bit word at addr. addr must be 8-byte aligned.
func StoreAtomic(addr Addr, v int64) {
	atomic.StoreInt64((*int64)(unsafe.Pointer(addr)), v)
}

// Bytes returns a slice viewing n bytes of off-heap memory starting at addr.
// The slice must not outlive the block it points into.
func Bytes(addr Addr, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
