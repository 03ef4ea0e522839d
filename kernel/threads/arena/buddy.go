package arena

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/nmxmxh/xenshm/kernel/core/common"
)

// Buddy allocator over page frames.
// Blocks are power-of-two runs of frames aligned to their size, so every
// allocation is physically contiguous and describable as base + count.

type BuddyAllocator struct {
	frames   uint32
	maxLevel int

	// Free block starts per level (level l holds blocks of 1<<l frames)
	free []*bitset.BitSet

	// Allocation bitmap (1 bit per frame)
	allocated *bitset.BitSet

	// First frame of every allocated block, and the block's level
	heads  *bitset.BitSet
	levels []uint8

	allocs   uint64
	frees    uint64
	failures uint64

	mu sync.Mutex
}

// BuddyStats is a snapshot of allocator occupancy.
type BuddyStats struct {
	TotalFrames     uint32
	AllocatedFrames uint32
	FreeFrames      uint32
	FreeBlocks      []int // per level
	Allocations     uint64
	Frees           uint64
	Failures        uint64
}

// NewBuddyAllocator manages frames [0, frames).
func NewBuddyAllocator(frames uint32) *BuddyAllocator {
	maxLevel := 0
	if frames > 0 {
		maxLevel = bits.Len32(frames) - 1
	}

	ba := &BuddyAllocator{
		frames:    frames,
		maxLevel:  maxLevel,
		free:      make([]*bitset.BitSet, maxLevel+1),
		allocated: bitset.New(uint(frames)),
		heads:     bitset.New(uint(frames)),
		levels:    make([]uint8, frames),
	}
	for l := range ba.free {
		ba.free[l] = bitset.New(uint(frames))
	}

	// Carve the range into the largest aligned blocks that fit.
	var start uint32
	for start < frames {
		level := bits.Len32(frames-start) - 1
		for level > 0 && start%(1<<level) != 0 {
			level--
		}
		ba.free[level].Set(uint(start))
		start += 1 << level
	}

	return ba
}

// Allocate reserves a block of at least count frames and returns its first frame.
func (ba *BuddyAllocator) Allocate(count uint32) (uint32, error) {
	if count == 0 {
		return 0, fmt.Errorf("allocate zero frames")
	}

	ba.mu.Lock()
	defer ba.mu.Unlock()

	level := sizeToLevel(count)
	if level > ba.maxLevel || ba.frames == 0 {
		ba.failures++
		return 0, fmt.Errorf("%d frames exceed largest block of %d: %w", count, ba.levelToSize(ba.maxLevel), common.ErrOutOfMemory)
	}

	start, ok := ba.findFreeBlock(level)
	if !ok {
		ba.failures++
		return 0, fmt.Errorf("no free block of %d frames: %w", ba.levelToSize(level), common.ErrOutOfMemory)
	}

	ba.markAllocated(start, level)
	ba.allocs++
	return start, nil
}

// Free releases the block starting at start.
func (ba *BuddyAllocator) Free(start uint32) error {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if start >= ba.frames || !ba.heads.Test(uint(start)) {
		return fmt.Errorf("frame %d is not the start of an allocated block", start)
	}

	level := int(ba.levels[start])
	ba.markFree(start, level)
	ba.coalesce(start, level)
	ba.frees++
	return nil
}

// BlockFrames returns the size of the allocated block starting at start.
func (ba *BuddyAllocator) BlockFrames(start uint32) (uint32, bool) {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	if start >= ba.frames || !ba.heads.Test(uint(start)) {
		return 0, false
	}
	return ba.levelToSize(int(ba.levels[start])), true
}

// IsAllocated reports whether a frame belongs to an allocated block.
func (ba *BuddyAllocator) IsAllocated(frame uint32) bool {
	ba.mu.Lock()
	defer ba.mu.Unlock()
	return frame < ba.frames && ba.allocated.Test(uint(frame))
}

// Helper: smallest level whose block holds count frames
func sizeToLevel(count uint32) int {
	if count <= 1 {
		return 0
	}
	return bits.Len32(count - 1)
}

func (ba *BuddyAllocator) levelToSize(level int) uint32 {
	return 1 << uint(level)
}

// Helper: lowest free block at level, splitting a larger one if needed
func (ba *BuddyAllocator) findFreeBlock(level int) (uint32, bool) {
	for l := level; l <= ba.maxLevel; l++ {
		idx, ok := ba.free[l].NextSet(0)
		if !ok {
			continue
		}
		start := uint32(idx)
		ba.free[l].Clear(idx)

		// Split down, returning upper halves to the free sets
		for split := l - 1; split >= level; split-- {
			ba.free[split].Set(uint(start + ba.levelToSize(split)))
		}
		return start, true
	}
	return 0, false
}

func (ba *BuddyAllocator) coalesce(start uint32, level int) {
	for level < ba.maxLevel {
		buddy := start ^ ba.levelToSize(level)
		if buddy >= ba.frames || !ba.free[level].Test(uint(buddy)) {
			break
		}
		ba.free[level].Clear(uint(buddy))
		if buddy < start {
			start = buddy
		}
		level++
	}
	ba.free[level].Set(uint(start))
}

func (ba *BuddyAllocator) markAllocated(start uint32, level int) {
	size := ba.levelToSize(level)
	for f := start; f < start+size; f++ {
		ba.allocated.Set(uint(f))
	}
	ba.heads.Set(uint(start))
	ba.levels[start] = uint8(level)
}

func (ba *BuddyAllocator) markFree(start uint32, level int) {
	size := ba.levelToSize(level)
	for f := start; f < start+size; f++ {
		ba.allocated.Clear(uint(f))
	}
	ba.heads.Clear(uint(start))
	ba.levels[start] = 0
}

// GetStats returns allocator statistics
func (ba *BuddyAllocator) GetStats() BuddyStats {
	ba.mu.Lock()
	defer ba.mu.Unlock()

	allocated := uint32(ba.allocated.Count())
	stats := BuddyStats{
		TotalFrames:     ba.frames,
		AllocatedFrames: allocated,
		FreeFrames:      ba.frames - allocated,
		FreeBlocks:      make([]int, len(ba.free)),
		Allocations:     ba.allocs,
		Frees:           ba.frees,
		Failures:        ba.failures,
	}
	for l, set := range ba.free {
		stats.FreeBlocks[l] = int(set.Count())
	}
	return stats
}
