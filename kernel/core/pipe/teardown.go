package pipe

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Free closes the local end. A consumer drops its mapping, raises
// receiver_closed and returns. An exposer raises offerer_closed, waits up
// to the shutdown timeout for receiver_closed and only then revokes and
// frees the region. If the wait runs out the pipe stays HalfClosed and
// Free may be called again (see Reaper). Free on a closed pipe is a no-op.
func (p *Pipe) Free(ctx context.Context) error {
	switch p.State() {
	case StateClosed, StateFailed:
		return nil
	case StateOpened:
		p.setState(StateClosed)
		return nil
	}

	if p.role == RoleConsumer {
		if p.metaMap == nil {
			p.setState(StateClosed)
			return nil
		}
		return p.consumerClose(false)
	}
	return p.exposerClose(ctx)
}

// consumerClose releases the consumer side. Order matters: the payload is
// unmapped before receiver_closed is raised, and the meta page after.
func (p *Pipe) consumerClose(drain bool) error {
	if p.metaMap == nil {
		return nil
	}
	var errs error
	var drainErr *PipeError

	if drain && p.mode == ModeRead && p.ring != nil {
		if err := p.drainTail(); err != nil {
			p.logger.Warn("Ring drain failed", utils.Err(err))
			drainErr = classify("read", "ring drain", err)
			errs = multierr.Append(errs, err)
		}
	}
	p.ring = nil

	if err := p.payloadMap.Unmap(); err != nil {
		p.logger.Warn("Payload unmap failed", utils.Err(err))
		errs = multierr.Append(errs, err)
	}
	p.payloadMap = nil

	errs = multierr.Append(errs, p.meta.SetReceiverClosed())
	if err := p.bell.Signal(); err != nil {
		p.logger.Debug("Final signal not delivered", utils.Err(err))
	}
	p.meta = nil

	if err := p.metaMap.Unmap(); err != nil {
		p.logger.Warn("Meta page unmap failed", utils.Err(err))
		errs = multierr.Append(errs, err)
	}
	p.metaMap = nil
	errs = multierr.Append(errs, p.bell.Close())

	p.metrics.active(-1)
	if errs != nil {
		p.metrics.teardown(RoleConsumer, "partial")
		p.logger.Warn("Consumer teardown finished with errors", utils.Err(errs))
	} else {
		p.metrics.teardown(RoleConsumer, "ok")
	}
	if drainErr != nil {
		_ = p.fail(drainErr)
		return errs
	}
	p.setState(StateClosed)
	p.logger.Info("Consumer closed", utils.Int("buffered", len(p.tail)))
	return errs
}

// drainTail moves whatever the producer left in the ring into p.tail.
func (p *Pipe) drainTail() error {
	used, err := p.ring.Used()
	if err != nil {
		return err
	}
	if used == 0 {
		return nil
	}
	buf := make([]byte, used)
	n, err := p.ring.TryRead(buf)
	p.tail = append(p.tail, buf[:n]...)
	return err
}

// exposerClose runs the exposer half of the close handshake.
func (p *Pipe) exposerClose(ctx context.Context) error {
	const op = "free"
	if p.region == nil {
		p.setState(StateClosed)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()

	if p.State() != StateHalfClosed {
		p.connectedAtEnd = p.State() == StateConnected
		p.setState(StateHalfClosed)
		if err := p.meta.SetOffererClosed(); err != nil {
			return classify(op, "raise offerer_closed", err)
		}
		if err := p.bell.Signal(); err != nil {
			p.logger.Debug("Close signal not delivered", utils.Err(err))
		}
	}

	// A connected consumer must confirm its unmap before any revoke.
	if p.connectedAtEnd {
		if err := p.awaitReceiverClosed(ctx); err != nil {
			p.metrics.teardown(RoleExposer, "timeout")
			p.logger.Warn("Consumer did not release the region", utils.Duration("waited", p.cfg.ShutdownTimeout))
			return wrapError(ErrCodeTimeout, op, "waiting for receiver_closed", err)
		}
	}

	pending, err := p.grants.RevokeAll(ctx, p.refs, p.cfg.RevokePoll)
	p.refs = pending
	if err != nil {
		p.metrics.teardown(RoleExposer, "timeout")
		return classify(op, "revoke grants", err)
	}

	var errs error
	errs = multierr.Append(errs, p.region.Free())
	errs = multierr.Append(errs, p.bell.Close())
	p.region = nil
	p.meta = nil
	p.ring = nil

	p.metrics.active(-1)
	p.metrics.teardown(RoleExposer, "ok")
	p.setState(StateClosed)
	p.logger.Info("Exposer closed")
	if errs != nil {
		p.logger.Warn("Exposer teardown finished with errors", utils.Err(errs))
	}
	return errs
}

func (p *Pipe) awaitReceiverClosed(ctx context.Context) error {
	for {
		closed, err := p.meta.ReceiverClosed()
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
		deadline, ok := ctx.Deadline()
		remaining := p.cfg.WaitTimeout
		if ok {
			remaining = time.Until(deadline)
		}
		if remaining <= 0 {
			return utils.TimeoutError("receiver_closed")
		}
		if _, err := p.bell.Wait(ctx, remaining); err != nil {
			return utils.WrapError(utils.TimeoutError("receiver_closed"), err.Error())
		}
	}
}
