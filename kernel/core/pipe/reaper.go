package pipe

import (
	"context"
	"sync"
	"time"

	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Reaper finishes exposer teardowns that outlived their shutdown timeout.
// The region stays granted until the consumer lets go; the reaper keeps
// retrying Free so the caller does not have to.
type Reaper struct {
	interval time.Duration
	logger   *utils.Logger

	mu      sync.Mutex
	pending map[string]*Pipe
	wake    chan struct{}
}

// NewReaper creates a reaper retrying every interval.
func NewReaper(interval time.Duration, logger *utils.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = utils.DefaultLogger("reaper")
	}
	return &Reaper{
		interval: interval,
		logger:   logger,
		pending:  make(map[string]*Pipe),
		wake:     make(chan struct{}, 1),
	}
}

// Adopt hands a HalfClosed pipe to the reaper. Pipes in any other state are
// ignored. The caller must not use p afterwards.
func (r *Reaper) Adopt(p *Pipe) {
	if p.State() != StateHalfClosed {
		return
	}
	r.mu.Lock()
	r.pending[p.ID()] = p
	r.mu.Unlock()
	r.logger.Info("Pipe adopted for deferred teardown", utils.String("pipe", p.ID()))

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of pipes still waiting for teardown.
func (r *Reaper) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run retries teardowns until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := r.Pending(); n > 0 {
				r.logger.Warn("Reaper stopped with pipes still half-closed", utils.Int("pending", n))
			}
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
		r.sweep(ctx)
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	r.mu.Lock()
	pipes := make([]*Pipe, 0, len(r.pending))
	for _, p := range r.pending {
		pipes = append(pipes, p)
	}
	r.mu.Unlock()

	for _, p := range pipes {
		if err := p.Free(ctx); err != nil {
			r.logger.Debug("Deferred teardown not done yet", utils.String("pipe", p.ID()), utils.Err(err))
			continue
		}
		r.mu.Lock()
		delete(r.pending, p.ID())
		r.mu.Unlock()
		r.logger.Info("Deferred teardown complete", utils.String("pipe", p.ID()))
	}
}
