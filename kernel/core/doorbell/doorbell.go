// Package doorbell is a one-bit wakeup between two domains, built on an
// interdomain event channel.
package doorbell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nmxmxh/xenshm/kernel/core/common"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("doorbell closed")

// EventChannels is the platform event-channel interface.
type EventChannels interface {
	AllocUnbound(remote common.DomainID) (common.Port, error)
	BindInterdomain(remote common.DomainID, remotePort common.Port) (common.Port, error)
	Notify(local common.Port) error
	Wait(ctx context.Context, local common.Port, timeout time.Duration) (bool, error)
	Close(local common.Port) error
}

// Channel is one end of a doorbell. Signals are level-free: any number of
// Signal calls between two Waits wake the peer once.
type Channel struct {
	events EventChannels
	remote common.DomainID
	local  common.Port

	mu     sync.Mutex
	closed bool
}

// Open allocates a port that remote may bind to. Signals sent before the
// peer binds are lost, which the handshake tolerates.
func Open(events EventChannels, remote common.DomainID) (*Channel, error) {
	port, err := events.AllocUnbound(remote)
	if err != nil {
		return nil, fmt.Errorf("doorbell open: %w", err)
	}
	return &Channel{events: events, remote: remote, local: port}, nil
}

// Bind connects to the port remote published.
func Bind(events EventChannels, remote common.DomainID, remotePort common.Port) (*Channel, error) {
	port, err := events.BindInterdomain(remote, remotePort)
	if err != nil {
		return nil, fmt.Errorf("doorbell bind %s:%d: %w", remote, remotePort, err)
	}
	return &Channel{events: events, remote: remote, local: port}, nil
}

// LocalPort is the port number published in the meta page.
func (c *Channel) LocalPort() common.Port {
	return c.local
}

// Remote is the peer domain.
func (c *Channel) Remote() common.DomainID {
	return c.remote
}

// Signal wakes the peer.
func (c *Channel) Signal() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.events.Notify(c.local)
}

// Wait blocks until the peer signals, timeout passes or ctx ends. A signal
// received since the last Wait returns immediately.
func (c *Channel) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	return c.events.Wait(ctx, c.local, timeout)
}

// Close releases the port. Safe to call twice.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.events.Close(c.local)
}
