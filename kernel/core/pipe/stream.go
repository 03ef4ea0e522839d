package pipe

import (
	"context"
	"errors"
	"io"

	"github.com/nmxmxh/xenshm/kernel/utils"
)

func (p *Pipe) streamReady(op string, want Mode) error {
	if p.State() == StateOpened {
		return p.stateError(op)
	}
	if p.mode != want {
		return newError(ErrCodeWrongMode, op, "pipe opened for "+p.mode.String())
	}
	if p.State() != StateConnected {
		return p.stateError(op)
	}
	return nil
}

// WriteContext copies as much of b into the ring as fits, waiting on the
// doorbell while the ring is full. It returns once at least one byte moved,
// so n may be short. A wait that times out with nothing moved returns
// ErrTimeout and may be retried; a closed peer returns ErrPeerClosed.
func (p *Pipe) WriteContext(ctx context.Context, b []byte) (int, error) {
	const op = "write"
	if err := p.streamReady(op, ModeWrite); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	for {
		closed, err := p.meta.PeerClosed()
		if err != nil {
			return 0, classify(op, "read close flag", err)
		}
		if closed {
			return 0, p.peerGone(op)
		}

		n, err := p.ring.TryWrite(b)
		if err != nil {
			return 0, p.ringFault(op, "ring write", err)
		}
		if n > 0 {
			p.metrics.wrote(n)
			if err := p.bell.Signal(); err != nil {
				p.logger.Warn("Doorbell signal failed", utils.Err(err))
			}
			return n, nil
		}

		p.metrics.ringFull()
		woken, err := p.waitBell(ctx, p.cfg.WaitTimeout)
		if err != nil {
			return 0, classify(op, "wait interrupted", err)
		}
		if !woken {
			return 0, newError(ErrCodeTimeout, op, "ring full")
		}
		// Spurious wakeups are fine: the loop rechecks.
	}
}

// ReadContext copies available bytes into b, waiting on the doorbell while
// the ring is empty. It returns io.EOF once the producer has closed and
// every byte it wrote has been read.
func (p *Pipe) ReadContext(ctx context.Context, b []byte) (int, error) {
	const op = "read"
	if p.mode == ModeRead && p.role == RoleConsumer && p.State() == StateClosed {
		return p.readTail(b)
	}
	if err := p.streamReady(op, ModeRead); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, nil
	}

	for {
		n, err := p.ring.TryRead(b)
		if err != nil {
			return 0, p.ringFault(op, "ring read", err)
		}
		if n > 0 {
			p.metrics.read(n)
			if err := p.bell.Signal(); err != nil {
				p.logger.Warn("Doorbell signal failed", utils.Err(err))
			}
			return n, nil
		}

		closed, err := p.meta.PeerClosed()
		if err != nil {
			return 0, classify(op, "read close flag", err)
		}
		if closed {
			// The producer publishes before it raises its flag; look again.
			n, err := p.ring.TryRead(b)
			if err != nil {
				return 0, p.ringFault(op, "ring read after close", err)
			}
			if n > 0 {
				p.metrics.read(n)
				return n, nil
			}
			if p.role == RoleConsumer {
				if err := p.consumerClose(true); err != nil {
					p.logger.Warn("Consumer teardown incomplete", utils.Err(err))
				}
				if p.State() == StateFailed {
					return 0, p.failure
				}
				return p.readTail(b)
			}
			return 0, io.EOF
		}

		woken, err := p.waitBell(ctx, p.cfg.WaitTimeout)
		if err != nil {
			return 0, classify(op, "wait interrupted", err)
		}
		if !woken {
			return 0, newError(ErrCodeTimeout, op, "ring empty")
		}
	}
}

func (p *Pipe) readTail(b []byte) (int, error) {
	if len(p.tail) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.tail)
	p.tail = p.tail[n:]
	p.metrics.read(n)
	return n, nil
}

// ringFault fails the pipe on a ring error. A consumer still drops its
// mapping and raises receiver_closed so the exposer can reclaim the region.
func (p *Pipe) ringFault(op, message string, err error) error {
	pe := classify(op, message, err)
	if p.role == RoleConsumer {
		if cerr := p.consumerClose(false); cerr != nil {
			p.logger.Warn("Consumer teardown incomplete", utils.Err(cerr))
		}
	}
	return p.fail(pe)
}

// peerGone handles a producer finding the peer's close flag raised. A
// consumer releases its mapping at once; an exposer keeps the region until
// Free.
func (p *Pipe) peerGone(op string) error {
	if p.role == RoleConsumer {
		if err := p.consumerClose(false); err != nil {
			p.logger.Warn("Consumer teardown incomplete", utils.Err(err))
		}
	}
	return newError(ErrCodePeerClosed, op, "peer closed the pipe")
}

// Write implements io.Writer, retrying ring waits that time out.
func (p *Pipe) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := p.WriteContext(context.Background(), b[written:])
		written += n
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			return written, err
		}
	}
	return written, nil
}

// Read implements io.Reader, retrying ring waits that time out.
func (p *Pipe) Read(b []byte) (int, error) {
	for {
		n, err := p.ReadContext(context.Background(), b)
		if err != nil && errors.Is(err, ErrTimeout) {
			continue
		}
		return n, err
	}
}

// Close implements io.Closer with Free.
func (p *Pipe) Close() error {
	return p.Free(context.Background())
}
