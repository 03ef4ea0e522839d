package utils

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

type shutdownHook struct {
	name string
	fn   func(ctx context.Context) error
}

// GracefulShutdown runs registered hooks in reverse registration order.
// Hooks run one after another: a pipe must finish its half-close before the
// host memory underneath it is unmapped.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
	done    bool
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		hooks:   make([]shutdownHook, 0),
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func(ctx context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions once. Later calls are no-ops.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	g.done = true

	g.logger.Info("Starting graceful shutdown",
		Int("components", len(g.hooks)),
	)

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var errs error
	for i := len(g.hooks) - 1; i >= 0; i-- {
		hook := g.hooks[i]
		if err := hook.fn(shutdownCtx); err != nil {
			g.logger.Error("Shutdown function failed",
				String("hook", hook.name),
				Err(err),
			)
			errs = multierr.Append(errs, WrapError(err, hook.name))
		}
	}

	if shutdownCtx.Err() != nil {
		g.logger.Warn("Graceful shutdown timed out")
		return multierr.Append(errs, TimeoutError("shutdown"))
	}
	if errs != nil {
		return errs
	}
	g.logger.Info("Graceful shutdown complete")
	return nil
}
