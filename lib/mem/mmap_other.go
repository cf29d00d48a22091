//go:build !unix

package mem

// mapMemory falls back to heap memory on platforms without mmap.
// The arena keeps a reference to every chunk, so the memory is never collected
// while addresses into it are in use.
func mapMemory(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapMemory(_ []byte) error {
	return nil
}
