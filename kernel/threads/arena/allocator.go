package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// FrameSource is the platform's view of the page frames a domain owns.
type FrameSource interface {
	// FrameCount is the number of frames owned by the local domain.
	FrameCount() uint32
	// FirstFrame is the global number of the domain's frame 0.
	FirstFrame() common.Frame
	// Page returns the memory of a frame the local domain owns.
	Page(f common.Frame) ([]byte, error)
}

// ErrRegionFreed is returned by operations on a released region.
var ErrRegionFreed = errors.New("region already freed")

// RegionAllocator hands out contiguous frame runs for cross-domain sharing.
type RegionAllocator struct {
	src    FrameSource
	buddy  *BuddyAllocator
	logger *utils.Logger

	mu      sync.Mutex
	regions map[uint32]*Region
}

// RegionAllocatorOption configures a RegionAllocator.
type RegionAllocatorOption func(*RegionAllocator)

// WithLogger sets the allocator's logger.
func WithLogger(logger *utils.Logger) RegionAllocatorOption {
	return func(a *RegionAllocator) {
		a.logger = logger
	}
}

// NewRegionAllocator manages every frame of src.
func NewRegionAllocator(src FrameSource, opts ...RegionAllocatorOption) *RegionAllocator {
	a := &RegionAllocator{
		src:     src,
		buddy:   NewBuddyAllocator(src.FrameCount()),
		regions: make(map[uint32]*Region),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = utils.DefaultLogger("arena")
	}
	return a
}

// Allocate obtains pageCount contiguous, zeroed pages. Either every page is
// obtained or the call fails with common.ErrOutOfMemory holding nothing.
func (a *RegionAllocator) Allocate(pageCount int) (*Region, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("allocate %d pages: invalid count", pageCount)
	}

	start, err := a.buddy.Allocate(uint32(pageCount))
	if err != nil {
		a.logger.Warn("Region allocation failed", utils.Int("pages", pageCount), utils.Err(err))
		return nil, err
	}

	base := a.src.FirstFrame() + common.Frame(start)
	pages := make([][]byte, pageCount)
	for i := range pages {
		page, err := a.src.Page(base + common.Frame(i))
		if err != nil {
			_ = a.buddy.Free(start)
			return nil, fmt.Errorf("frame %d: %w", base+common.Frame(i), err)
		}
		clear(page)
		pages[i] = page
	}

	r := &Region{
		alloc: a,
		start: start,
		base:  base,
		pages: pages,
	}

	a.mu.Lock()
	a.regions[start] = r
	a.mu.Unlock()

	a.logger.Debug("Region allocated",
		utils.Uint32("base_frame", uint32(base)),
		utils.Int("pages", pageCount),
	)
	return r, nil
}

// Live returns the number of regions not yet freed.
func (a *RegionAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Stats exposes the underlying buddy statistics.
func (a *RegionAllocator) Stats() BuddyStats {
	return a.buddy.GetStats()
}

func (a *RegionAllocator) release(r *Region) error {
	a.mu.Lock()
	delete(a.regions, r.start)
	a.mu.Unlock()

	if err := a.buddy.Free(r.start); err != nil {
		return err
	}
	a.logger.Debug("Region freed", utils.Uint32("base_frame", uint32(r.base)), utils.Int("pages", len(r.pages)))
	return nil
}

// Region is an ordered run of physically contiguous pages owned by the
// local domain until Free.
type Region struct {
	alloc *RegionAllocator
	start uint32
	base  common.Frame
	pages [][]byte

	mu    sync.Mutex
	freed bool
}

// Base returns the first frame.
func (r *Region) Base() common.Frame {
	return r.base
}

// Count returns the number of pages.
func (r *Region) Count() int {
	return len(r.pages)
}

// Frame returns the frame backing page i.
func (r *Region) Frame(i int) common.Frame {
	return r.base + common.Frame(i)
}

// Frames lists every frame in order.
func (r *Region) Frames() []common.Frame {
	frames := make([]common.Frame, len(r.pages))
	for i := range frames {
		frames[i] = r.Frame(i)
	}
	return frames
}

// Memory returns a view over pages [from, to).
func (r *Region) Memory(from, to int) (sab.MemoryProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return nil, ErrRegionFreed
	}
	if from < 0 || to > len(r.pages) || from >= to {
		return nil, fmt.Errorf("page range [%d, %d) outside region of %d pages", from, to, len(r.pages))
	}
	return sab.NewPagedProvider(r.pages[from:to], nil)
}

// Free returns the pages to the allocator. The caller must have revoked
// every grant on them first.
func (r *Region) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.freed {
		return ErrRegionFreed
	}
	r.freed = true
	err := r.alloc.release(r)
	r.pages = nil
	return err
}
