//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

// mapMemory reserves size bytes of zero-filled anonymous memory outside the Go heap.
func mapMemory(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

// unmapMemory releases memory returned by mapMemory.
func unmapMemory(data []byte) error {
	return unix.Munmap(data)
}
