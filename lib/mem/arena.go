package mem

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// --------------------------------------------------------------------------
// Constants and Errors
// --------------------------------------------------------------------------

// Addr is the address of a word or block in off-heap memory. The zero Addr is nil.
type Addr uintptr

const (
	DefaultChunkSize = 16 << 20 // Default size of one mmap chunk (16 MiB)
	minChunkSize     = 1 << 16  // Smallest accepted chunk size (64 KiB)
	blockHeaderSize  = 8        // Hidden per-block header holding the size class
	minClassShift    = 5        // Smallest block is 32 bytes (header included)
)

var (
	ErrOutOfMemory   = errors.New("mem: arena out of memory")
	ErrBlockTooLarge = errors.New("mem: block larger than arena chunk")
	ErrClosed        = errors.New("mem: arena closed")
)

// --------------------------------------------------------------------------
// Arena
// --------------------------------------------------------------------------

// Options configures an Arena
type Options struct {
	ChunkSize int   // Bytes per mmap chunk, rounded up to a power of two (0 = DefaultChunkSize)
	Limit     int64 // Max bytes the arena may reserve (0 = unlimited)
}

// DefaultOptions returns the default arena options
func DefaultOptions() *Options {
	return &Options{
		ChunkSize: DefaultChunkSize,
		Limit:     0,
	}
}

// freeList is a LIFO stack of free blocks of one size class.
// The link to the next free block is stored in the first word of each block.
type freeList struct {
	mu   sync.Mutex
	head Addr
	_    cpu.CacheLinePad
}

// Arena hands out zero-filled off-heap blocks in power-of-two size classes.
type Arena struct {
	chunkSize int
	maxClass  int
	limit     int64

	mu      sync.Mutex      // guards everything below until classes
	chunks  [][]byte        // mapped chunks, kept for Close
	regions map[Addr][]byte // individually mapped regions
	bump    Addr            // next unused byte of the current chunk
	bumpEnd Addr            // end of the current chunk
	closed  bool

	classes []freeList

	reserved atomic.Int64 // bytes mapped from the OS
	used     atomic.Int64 // bytes handed out (blocks and regions)
}

// New creates an arena with the given options (optional)
func New(opts *Options) *Arena {
	if opts == nil {
		opts = DefaultOptions()
	}

	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < minChunkSize {
		chunkSize = minChunkSize
	}
	chunkSize = 1 << bits.Len(uint(chunkSize-1))

	maxClass := bits.Len(uint(chunkSize)) - 1 - minClassShift

	return &Arena{
		chunkSize: chunkSize,
		maxClass:  maxClass,
		limit:     opts.Limit,
		regions:   make(map[Addr][]byte),
		classes:   make([]freeList, maxClass+1),
	}
}

// classFor returns the size class of a block of total bytes (header included)
func classFor(total int) int {
	if total <= 1<<minClassShift {
		return 0
	}
	return bits.Len(uint(total-1)) - minClassShift
}

// classSize returns the total size in bytes of blocks of the given class
func classSize(class int) int {
	return 1 << (class + minClassShift)
}

// Allocate returns a zero-filled block with at least size usable bytes.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (a *Arena) Allocate(size int) (Addr, error) {
	if size < 0 {
		return 0, fmt.Errorf("mem: invalid block size %d", size)
	}

	class := classFor(size + blockHeaderSize)
	if class > a.maxClass {
		return 0, fmt.Errorf("%w: %d bytes requested, chunk size is %d", ErrBlockTooLarge, size, a.chunkSize)
	}

	block, ok := a.pop(class)
	if ok {
		// recycled blocks still hold the free list link and old payload
		clear(Bytes(block, classSize(class)))
	} else {
		var err error
		if block, err = a.carve(class); err != nil {
			return 0, err
		}
	}

	Store(block, uint64(class))
	a.used.Add(int64(classSize(class)))

	return block + blockHeaderSize, nil
}

// Free returns a block obtained from Allocate to the arena.
// Freeing a block twice or using it afterward is undefined behavior.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (a *Arena) Free(addr Addr) {
	block := addr - blockHeaderSize
	class := int(Load(block))
	a.used.Add(-int64(classSize(class)))
	a.push(class, block)
}

// Capacity returns the usable size of a block obtained from Allocate.
// The size class is stored in the block header, so no arena is needed.
func Capacity(addr Addr) int {
	return classSize(int(Load(addr-blockHeaderSize))) - blockHeaderSize
}

// pop takes a block from the free list of a class
func (a *Arena) pop(class int) (Addr, bool) {
	fl := &a.classes[class]
	fl.mu.Lock()
	defer fl.mu.Unlock()

	block := fl.head
	if block == 0 {
		return 0, false
	}
	fl.head = LoadAddr(block)
	return block, true
}

// push puts a block on the free list of a class
func (a *Arena) push(class int, block Addr) {
	fl := &a.classes[class]
	fl.mu.Lock()
	defer fl.mu.Unlock()

	StoreAddr(block, fl.head)
	fl.head = block
}

// carve cuts a fresh block of the given class from the current chunk,
// mapping a new chunk if the current one is exhausted.
func (a *Arena) carve(class int) (Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}

	size := Addr(classSize(class))
	if a.bumpEnd-a.bump < size {
		if err := a.grow(); err != nil {
			return 0, err
		}
	}

	block := a.bump
	a.bump += size
	return block, nil
}

// grow maps a new chunk. The unused tail of the current chunk is split into
// free blocks of decreasing size classes so that it is not lost.
// Caller must hold a.mu.
func (a *Arena) grow() error {
	if a.limit > 0 && a.reserved.Load()+int64(a.chunkSize) > a.limit {
		return fmt.Errorf("%w: limit of %d bytes reached", ErrOutOfMemory, a.limit)
	}

	for rest := int(a.bumpEnd - a.bump); rest >= classSize(0); rest = int(a.bumpEnd - a.bump) {
		class := bits.Len(uint(rest)) - 1 - minClassShift
		a.push(class, a.bump)
		a.bump += Addr(classSize(class))
	}

	data, err := mapMemory(a.chunkSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	a.chunks = append(a.chunks, data)
	a.bump = Addr(unsafe.Pointer(&data[0]))
	a.bumpEnd = a.bump + Addr(len(data))
	a.reserved.Add(int64(len(data)))

	return nil
}

// --------------------------------------------------------------------------
// Regions
// --------------------------------------------------------------------------

// AllocateRegion maps a zero-filled region of size bytes that is independent
// of the chunk allocator. Regions are meant for large, long-lived tables.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (a *Arena) AllocateRegion(size int) (Addr, error) {
	if size <= 0 {
		return 0, fmt.Errorf("mem: invalid region size %d", size)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return 0, ErrClosed
	}
	if a.limit > 0 && a.reserved.Load()+int64(size) > a.limit {
		return 0, fmt.Errorf("%w: region of %d bytes exceeds limit of %d bytes", ErrOutOfMemory, size, a.limit)
	}

	data, err := mapMemory(size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}

	addr := Addr(unsafe.Pointer(&data[0]))
	a.regions[addr] = data
	a.reserved.Add(int64(size))
	a.used.Add(int64(size))

	return addr, nil
}

// FreeRegion unmaps a region obtained from AllocateRegion
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (a *Arena) FreeRegion(addr Addr) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, ok := a.regions[addr]
	if !ok {
		return fmt.Errorf("mem: unknown region %#x", uintptr(addr))
	}
	delete(a.regions, addr)
	a.reserved.Add(-int64(len(data)))
	a.used.Add(-int64(len(data)))

	return unmapMemory(data)
}

// --------------------------------------------------------------------------
// Statistics and Lifecycle
// --------------------------------------------------------------------------

// ChunkSize returns the size of one mapped chunk
func (a *Arena) ChunkSize() int {
	return a.chunkSize
}

// MaxBlockSize returns the largest size Allocate accepts
func (a *Arena) MaxBlockSize() int {
	return a.chunkSize - blockHeaderSize
}

// Reserved returns the number of bytes mapped from the operating system
func (a *Arena) Reserved() int64 {
	return a.reserved.Load()
}

// Used returns the number of bytes currently handed out (size classes included)
func (a *Arena) Used() int64 {
	return a.used.Load()
}

// Close unmaps all chunks and regions. Every address obtained from the arena
// becomes invalid. Close is idempotent.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	for _, chunk := range a.chunks {
		errs = append(errs, unmapMemory(chunk))
	}
	for _, region := range a.regions {
		errs = append(errs, unmapMemory(region))
	}

	a.chunks = nil
	a.regions = nil
	a.bump, a.bumpEnd = 0, 0
	for i := range a.classes {
		a.classes[i].head = 0
	}
	a.reserved.Store(0)
	a.used.Store(0)

	return errors.Join(errs...)
}
