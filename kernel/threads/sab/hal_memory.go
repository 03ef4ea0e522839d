package sab

import (
	"sync/atomic"
	"unsafe"
)

// flatMemory implements every MemoryProvider accessor over one byte slice.
type flatMemory struct {
	data []byte
}

func (m *flatMemory) Size() uint32 {
	return uint32(len(m.data))
}

func (m *flatMemory) check(offset uint32, n int) error {
	if m.data == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(n) > uint64(len(m.data)) {
		return ErrOutOfBounds
	}
	return nil
}

func (m *flatMemory) ReadAt(offset uint32, dest []byte) error {
	if err := m.check(offset, len(dest)); err != nil {
		return err
	}
	copy(dest, m.data[offset:])
	return nil
}

func (m *flatMemory) WriteAt(offset uint32, src []byte) error {
	if err := m.check(offset, len(src)); err != nil {
		return err
	}
	copy(m.data[offset:], src)
	return nil
}

func (m *flatMemory) Slice(offset, length uint32) ([]byte, error) {
	if err := m.check(offset, int(length)); err != nil {
		return nil, err
	}
	return m.data[offset : offset+length : offset+length], nil
}

func (m *flatMemory) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := m.Word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (m *flatMemory) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := m.Word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (m *flatMemory) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := m.Word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (m *flatMemory) AtomicCAS32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := m.Word(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(ptr, old, new), nil
}

func (m *flatMemory) Word(offset uint32) (*uint32, error) {
	if err := m.check(offset, 4); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	return (*uint32)(unsafe.Pointer(&m.data[offset])), nil
}

// InMemoryProvider stores data in a local byte slice.
type InMemoryProvider struct {
	flatMemory
}

// NewInMemoryProvider creates an in-memory provider with the requested size.
func NewInMemoryProvider(size uint32) *InMemoryProvider {
	// Backed by []uint32 so word accesses are aligned regardless of allocator.
	words := make([]uint32, (size+3)/4)
	var data []byte
	if size > 0 {
		data = unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	} else {
		data = []byte{}
	}
	return &InMemoryProvider{flatMemory{data: data}}
}

func (m *InMemoryProvider) Close() error {
	m.data = nil
	return nil
}
