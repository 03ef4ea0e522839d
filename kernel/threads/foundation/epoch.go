package foundation

import (
	"context"
	"errors"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

var errFutexTimeout = errors.New("futex wait timed out")

// maxWaitSlice bounds a single kernel wait so context cancellation is
// observed promptly.
const maxWaitSlice = 50 * time.Millisecond

// EnhancedEpoch is a counter word in shared memory used as a wakeup
// primitive. Increment bumps the counter and wakes every waiter on the word,
// in this process or any other mapping the same memory. Waiters remember the
// last value they saw, so several increments before a wait collapse into
// one wakeup.
type EnhancedEpoch struct {
	mem       sab.MemoryProvider
	offset    uint32
	word      *uint32
	lastValue uint32

	stats *EpochStats
}

// EpochStats tracks epoch activity of one process.
type EpochStats struct {
	Increments uint64
	Wakes      uint64
	Timeouts   uint64
}

// NewEnhancedEpoch binds an epoch to the aligned word at offset.
func NewEnhancedEpoch(mem sab.MemoryProvider, offset uint32) (*EnhancedEpoch, error) {
	word, err := mem.Word(offset)
	if err != nil {
		return nil, err
	}
	return &EnhancedEpoch{
		mem:       mem,
		offset:    offset,
		word:      word,
		lastValue: atomic.LoadUint32(word),
		stats:     &EpochStats{},
	}, nil
}

// Reader creates a new reader instance sharing the same word and stats,
// starting from the current value.
func (ee *EnhancedEpoch) Reader() *EnhancedEpoch {
	return &EnhancedEpoch{
		mem:       ee.mem,
		offset:    ee.offset,
		word:      ee.word,
		lastValue: atomic.LoadUint32(ee.word),
		stats:     ee.stats,
	}
}

// WaitForChange waits until the counter differs from the last observed
// value. It returns (true, nil) on change, (false, nil) on timeout and
// (false, ctx.Err()) on cancellation. A non-positive timeout only checks.
func (ee *EnhancedEpoch) WaitForChange(ctx context.Context, timeout time.Duration) (bool, error) {
	if ee.consume() {
		return true, nil
	}
	if timeout <= 0 {
		atomic.AddUint64(&ee.stats.Timeouts, 1)
		return false, nil
	}

	start := time.Now()
	deadline := start.Add(timeout)

	// Spin-wait
	spinDeadline := start.Add(time.Microsecond)
	for time.Now().Before(spinDeadline) {
		runtime.Gosched()
		if ee.consume() {
			return true, nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			atomic.AddUint64(&ee.stats.Timeouts, 1)
			return false, nil
		}
		if remaining > maxWaitSlice {
			remaining = maxWaitSlice
		}

		err := futexWaitTimeout(ee.word, ee.lastValue, remaining)
		if err != nil && !errors.Is(err, errFutexTimeout) {
			return false, err
		}
		if ee.consume() {
			return true, nil
		}
	}
}

func (ee *EnhancedEpoch) consume() bool {
	current := atomic.LoadUint32(ee.word)
	if current == ee.lastValue {
		return false
	}
	ee.lastValue = current
	atomic.AddUint64(&ee.stats.Wakes, 1)
	return true
}

// Increment increments the epoch and wakes all waiters.
func (ee *EnhancedEpoch) Increment() (uint32, error) {
	v := atomic.AddUint32(ee.word, 1)
	atomic.AddUint64(&ee.stats.Increments, 1)
	if _, err := futexWake(ee.word, math.MaxInt32); err != nil {
		return v, err
	}
	return v, nil
}

// GetValue returns the current counter.
func (ee *EnhancedEpoch) GetValue() uint32 {
	return atomic.LoadUint32(ee.word)
}

// Drain marks the current value as seen, discarding pending wakeups.
func (ee *EnhancedEpoch) Drain() {
	ee.lastValue = atomic.LoadUint32(ee.word)
}

// Stats returns a snapshot of the counters.
func (ee *EnhancedEpoch) Stats() EpochStats {
	return EpochStats{
		Increments: atomic.LoadUint64(&ee.stats.Increments),
		Wakes:      atomic.LoadUint64(&ee.stats.Wakes),
		Timeouts:   atomic.LoadUint64(&ee.stats.Timeouts),
	}
}
