// Package oob carries the bootstrap values (exposer domain id and first
// grant reference) from the exposer to the consumer outside the shared
// region. The meta page carries everything else.
package oob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

var (
	// ErrNotPublished is returned when a rendezvous has nothing to hand out.
	ErrNotPublished = errors.New("bootstrap not published")
	// ErrMalformed is returned for a bootstrap that cannot be parsed.
	ErrMalformed = errors.New("malformed bootstrap")
)

// Exchanger moves one Bootstrap from the exposer to the consumer.
type Exchanger interface {
	// Publish makes b available to the consumer.
	Publish(ctx context.Context, b common.Bootstrap) error
	// Receive blocks until a bootstrap is available.
	Receive(ctx context.Context) (common.Bootstrap, error)
	Close() error
}

// New builds the exchanger selected by cfg.Mode. Console mode talks to the
// process's stdin and stdout.
func New(cfg config.OOBConfig, logger *utils.Logger) (Exchanger, error) {
	return NewWithIO(cfg, os.Stdin, os.Stdout, logger)
}

// NewWithIO is New with explicit console streams.
func NewWithIO(cfg config.OOBConfig, in io.Reader, out io.Writer, logger *utils.Logger) (Exchanger, error) {
	if logger == nil {
		logger = utils.DefaultLogger("oob")
	}
	switch cfg.Mode {
	case config.OOBConsole:
		return NewConsole(in, out), nil
	case config.OOBWebSocket:
		return NewWebSocket(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown oob mode %q", cfg.Mode)
	}
}

func validate(b common.Bootstrap) error {
	if b.GrantRef == common.InvalidGrantRef {
		return fmt.Errorf("%w: grant reference is zero", ErrMalformed)
	}
	return nil
}

// Loopback hands a bootstrap between two goroutines of one process.
type Loopback struct {
	ch chan common.Bootstrap
}

// NewLoopback creates an exchanger that holds one bootstrap at a time.
func NewLoopback() *Loopback {
	return &Loopback{ch: make(chan common.Bootstrap, 1)}
}

// Publish queues b; it blocks while a previous bootstrap is unclaimed.
func (l *Loopback) Publish(ctx context.Context, b common.Bootstrap) error {
	if err := validate(b); err != nil {
		return err
	}
	select {
	case l.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive takes the queued bootstrap.
func (l *Loopback) Receive(ctx context.Context) (common.Bootstrap, error) {
	select {
	case b := <-l.ch:
		return b, nil
	case <-ctx.Done():
		return common.Bootstrap{}, ctx.Err()
	}
}

// Close is a no-op.
func (l *Loopback) Close() error { return nil }
