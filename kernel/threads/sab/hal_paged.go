package sab

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// PagedProvider presents a list of independently mapped pages as one
// contiguous address space. Foreign frames mapped one grant at a time are
// not guaranteed to be adjacent, so the ring and the meta codec go through
// this view instead of assuming a single slice.
type PagedProvider struct {
	pages   [][]byte
	size    uint32
	onClose func() error
}

// NewPagedProvider builds a view over pages, each exactly PAGE_SIZE bytes.
// onClose, if set, runs once on Close.
func NewPagedProvider(pages [][]byte, onClose func() error) (*PagedProvider, error) {
	for i, p := range pages {
		if len(p) != PAGE_SIZE {
			return nil, fmt.Errorf("page %d has size %d, want %d", i, len(p), PAGE_SIZE)
		}
	}
	return &PagedProvider{
		pages:   pages,
		size:    uint32(len(pages)) * PAGE_SIZE,
		onClose: onClose,
	}, nil
}

func (p *PagedProvider) Size() uint32 {
	return p.size
}

// PageCount returns the number of pages in the view.
func (p *PagedProvider) PageCount() int {
	return len(p.pages)
}

func (p *PagedProvider) check(offset uint32, n int) error {
	if p.pages == nil {
		return ErrClosed
	}
	if uint64(offset)+uint64(n) > uint64(p.size) {
		return ErrOutOfBounds
	}
	return nil
}

func (p *PagedProvider) ReadAt(offset uint32, dest []byte) error {
	if err := p.check(offset, len(dest)); err != nil {
		return err
	}
	for len(dest) > 0 {
		page, in := offset/PAGE_SIZE, offset%PAGE_SIZE
		n := copy(dest, p.pages[page][in:])
		dest = dest[n:]
		offset += uint32(n)
	}
	return nil
}

func (p *PagedProvider) WriteAt(offset uint32, src []byte) error {
	if err := p.check(offset, len(src)); err != nil {
		return err
	}
	for len(src) > 0 {
		page, in := offset/PAGE_SIZE, offset%PAGE_SIZE
		n := copy(p.pages[page][in:], src)
		src = src[n:]
		offset += uint32(n)
	}
	return nil
}

// Slice returns a view that must not cross a page boundary.
func (p *PagedProvider) Slice(offset, length uint32) ([]byte, error) {
	if err := p.check(offset, int(length)); err != nil {
		return nil, err
	}
	in := offset % PAGE_SIZE
	if in+length > PAGE_SIZE {
		return nil, fmt.Errorf("slice [%d,+%d) crosses a page boundary: %w", offset, length, ErrOutOfBounds)
	}
	page := p.pages[offset/PAGE_SIZE]
	return page[in : in+length : in+length], nil
}

func (p *PagedProvider) Word(offset uint32) (*uint32, error) {
	if err := p.check(offset, 4); err != nil {
		return nil, err
	}
	if offset%4 != 0 {
		return nil, ErrMisaligned
	}
	page := p.pages[offset/PAGE_SIZE]
	return (*uint32)(unsafe.Pointer(&page[offset%PAGE_SIZE])), nil
}

func (p *PagedProvider) AtomicLoad32(offset uint32) (uint32, error) {
	ptr, err := p.Word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(ptr), nil
}

func (p *PagedProvider) AtomicStore32(offset uint32, val uint32) error {
	ptr, err := p.Word(offset)
	if err != nil {
		return err
	}
	atomic.StoreUint32(ptr, val)
	return nil
}

func (p *PagedProvider) AtomicAdd32(offset uint32, delta uint32) (uint32, error) {
	ptr, err := p.Word(offset)
	if err != nil {
		return 0, err
	}
	return atomic.AddUint32(ptr, delta), nil
}

func (p *PagedProvider) AtomicCAS32(offset uint32, old, new uint32) (bool, error) {
	ptr, err := p.Word(offset)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint32(ptr, old, new), nil
}

func (p *PagedProvider) Close() error {
	if p.pages == nil {
		return nil
	}
	p.pages = nil
	if p.onClose != nil {
		fn := p.onClose
		p.onClose = nil
		return fn()
	}
	return nil
}
