package foundation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

// ErrRingCorrupted is returned when the cursors describe more than a full ring.
var ErrRingCorrupted = errors.New("ring cursors out of range")

// ByteRing is a single-producer single-consumer byte ring. The data lives in
// one memory provider and the two cursors in another (the meta page), each
// advancing modulo 2*capacity so a full ring is distinguishable from an
// empty one. Each side stores only its own cursor, after the bytes it covers.
type ByteRing struct {
	data        sab.MemoryProvider
	ctl         sab.MemoryProvider
	writeOffset uint32
	readOffset  uint32
	capacity    uint32
	stats       RingStats
}

// RingStats tracks traffic seen by this end of the ring.
type RingStats struct {
	BytesWritten uint64
	BytesRead    uint64
	Writes       uint64
	Reads        uint64
	FullHits     uint64
	EmptyHits    uint64
}

// NewByteRing overlays a ring on data; the cursors are words of ctl.
func NewByteRing(data, ctl sab.MemoryProvider, writeOffset, readOffset uint32) (*ByteRing, error) {
	capacity := data.Size()
	if capacity == 0 {
		return nil, fmt.Errorf("ring needs a non-empty data area")
	}
	if capacity > 1<<30 {
		return nil, fmt.Errorf("ring capacity %d too large for 32-bit cursors", capacity)
	}
	for _, off := range []uint32{writeOffset, readOffset} {
		if _, err := ctl.Word(off); err != nil {
			return nil, fmt.Errorf("ring cursor at 0x%X: %w", off, err)
		}
	}
	return &ByteRing{
		data:        data,
		ctl:         ctl,
		writeOffset: writeOffset,
		readOffset:  readOffset,
		capacity:    capacity,
	}, nil
}

// Capacity returns C, the number of bytes the ring holds when full.
func (r *ByteRing) Capacity() uint32 {
	return r.capacity
}

// Reset zeroes both cursors. Only valid before the peer attaches.
func (r *ByteRing) Reset() error {
	if err := r.ctl.AtomicStore32(r.writeOffset, 0); err != nil {
		return err
	}
	return r.ctl.AtomicStore32(r.readOffset, 0)
}

func (r *ByteRing) cursors() (w, rd uint32, err error) {
	if w, err = r.ctl.AtomicLoad32(r.writeOffset); err != nil {
		return 0, 0, err
	}
	if rd, err = r.ctl.AtomicLoad32(r.readOffset); err != nil {
		return 0, 0, err
	}
	return w, rd, nil
}

// distance returns w - r in the 2C cursor space.
func (r *ByteRing) distance(w, rd uint32) (uint32, error) {
	span := 2 * r.capacity
	if w >= span || rd >= span {
		return 0, ErrRingCorrupted
	}
	used := (w + span - rd) % span
	if used > r.capacity {
		return 0, ErrRingCorrupted
	}
	return used, nil
}

// Used returns the number of readable bytes.
func (r *ByteRing) Used() (uint32, error) {
	w, rd, err := r.cursors()
	if err != nil {
		return 0, err
	}
	return r.distance(w, rd)
}

// Free returns the number of writable bytes.
func (r *ByteRing) Free() (uint32, error) {
	used, err := r.Used()
	if err != nil {
		return 0, err
	}
	return r.capacity - used, nil
}

// TryWrite copies as much of src as fits without blocking and publishes the
// new write cursor. It returns 0 when the ring is full.
func (r *ByteRing) TryWrite(src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	w, rd, err := r.cursors()
	if err != nil {
		return 0, err
	}
	used, err := r.distance(w, rd)
	if err != nil {
		return 0, err
	}
	free := r.capacity - used
	if free == 0 {
		atomic.AddUint64(&r.stats.FullHits, 1)
		return 0, nil
	}

	n := uint32(len(src))
	if n > free {
		n = free
	}
	pos := w % r.capacity
	first := n
	if first > r.capacity-pos {
		first = r.capacity - pos
	}
	if err := r.data.WriteAt(pos, src[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := r.data.WriteAt(0, src[first:n]); err != nil {
			return 0, err
		}
	}

	// Publish after the copy.
	if err := r.ctl.AtomicStore32(r.writeOffset, (w+n)%(2*r.capacity)); err != nil {
		return 0, err
	}
	atomic.AddUint64(&r.stats.BytesWritten, uint64(n))
	atomic.AddUint64(&r.stats.Writes, 1)
	return int(n), nil
}

// TryRead copies up to len(dst) available bytes and publishes the new read
// cursor. It returns 0 when the ring is empty.
func (r *ByteRing) TryRead(dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	w, rd, err := r.cursors()
	if err != nil {
		return 0, err
	}
	used, err := r.distance(w, rd)
	if err != nil {
		return 0, err
	}
	if used == 0 {
		atomic.AddUint64(&r.stats.EmptyHits, 1)
		return 0, nil
	}

	n := uint32(len(dst))
	if n > used {
		n = used
	}
	pos := rd % r.capacity
	first := n
	if first > r.capacity-pos {
		first = r.capacity - pos
	}
	if err := r.data.ReadAt(pos, dst[:first]); err != nil {
		return 0, err
	}
	if first < n {
		if err := r.data.ReadAt(0, dst[first:n]); err != nil {
			return 0, err
		}
	}

	if err := r.ctl.AtomicStore32(r.readOffset, (rd+n)%(2*r.capacity)); err != nil {
		return 0, err
	}
	atomic.AddUint64(&r.stats.BytesRead, uint64(n))
	atomic.AddUint64(&r.stats.Reads, 1)
	return int(n), nil
}

// Stats returns a snapshot of the counters.
func (r *ByteRing) Stats() RingStats {
	return RingStats{
		BytesWritten: atomic.LoadUint64(&r.stats.BytesWritten),
		BytesRead:    atomic.LoadUint64(&r.stats.BytesRead),
		Writes:       atomic.LoadUint64(&r.stats.Writes),
		Reads:        atomic.LoadUint64(&r.stats.Reads),
		FullHits:     atomic.LoadUint64(&r.stats.FullHits),
		EmptyHits:    atomic.LoadUint64(&r.stats.EmptyHits),
	}
}
