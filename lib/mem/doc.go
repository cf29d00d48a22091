// Package mem implements the off-heap arena used by the ohmap engine.
//
// Memory handed out by an Arena lives outside the Go heap (anonymous mmap
// chunks on unix platforms). The garbage collector never scans or moves it,
// which makes it possible to keep millions of small records linked by raw
// addresses without per-object GC overhead.
//
// The package focuses on:
//   - Zero-filled blocks addressed by an Addr newtype (0 is the nil address)
//   - Power-of-two size classes with intrusive free lists kept inside the
//     freed blocks themselves
//   - Individually mapped regions for large tables (bucket tables)
//   - A configurable limit on the total amount of reserved memory
//
// All unsafe pointer arithmetic of the repository is confined to this package.
// Callers read and write words through Load/Store (and their atomic variants)
// and view payloads through Bytes.
//
// Thread-safety: Allocate, Free, AllocateRegion and FreeRegion are safe for
// concurrent use. Reading and writing the contents of a block is not
// synchronized by the arena; the owner of a block is responsible for that.
//
// Lifetime rules are not checked: freeing a block twice or touching a block
// after Free or Close is undefined behavior, exactly like with malloc/free.
package mem
