package sab

import "errors"

// MemoryProvider abstracts access to shared memory.
// Implementations may be backed by mmap, mapped foreign frames, or in-memory buffers.
type MemoryProvider interface {
	Size() uint32
	ReadAt(offset uint32, dest []byte) error
	WriteAt(offset uint32, src []byte) error
	AtomicLoad32(offset uint32) (uint32, error)
	AtomicStore32(offset uint32, val uint32) error
	AtomicAdd32(offset uint32, delta uint32) (uint32, error)
	AtomicCAS32(offset uint32, old, new uint32) (bool, error)
	// Word returns the address of the aligned 32-bit word at offset. Used for
	// futex waits, which need the address rather than the value.
	Word(offset uint32) (*uint32, error)
	Close() error
}

// Slicer is implemented by providers backed by a single contiguous mapping.
type Slicer interface {
	Slice(offset, length uint32) ([]byte, error)
}

var ErrOutOfBounds = errors.New("offset out of bounds")
var ErrMisaligned = errors.New("offset is not 4-byte aligned")
var ErrClosed = errors.New("memory provider closed")
