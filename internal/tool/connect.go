package tool

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/oob"
	"github.com/nmxmxh/xenshm/kernel/core/pipe"
)

// domainAsker is implemented by exchangers that can prompt for the peer.
type domainAsker interface {
	AskDomain(ctx context.Context) (common.DomainID, error)
}

// ResolveRemote returns the configured remote domain, or asks the
// exchanger for it when none is configured.
func ResolveRemote(ctx context.Context, c config.ToolConfig, ex oob.Exchanger) (common.DomainID, error) {
	if c.RemoteDomID >= 0 {
		return common.DomainID(c.RemoteDomID), nil
	}
	if asker, ok := ex.(domainAsker); ok {
		return asker.AskDomain(ctx)
	}
	return 0, errors.New("remote domain not configured (XENSHM_TOOL_REMOTE_DOM_ID)")
}

// Connect drives p from Opened to Connected. The exposer offers, publishes
// its bootstrap and waits for the consumer; the consumer receives the
// bootstrap and accepts. Progress lines go to out.
func Connect(ctx context.Context, p *pipe.Pipe, ex oob.Exchanger, mode pipe.Mode, c *config.Config, out io.Writer) error {
	conv, err := pipe.ParseConvention(c.Pipe.Convention)
	if err != nil {
		return err
	}
	if err := p.Init(mode, conv); err != nil {
		return err
	}

	if p.Role() == pipe.RoleExposer {
		remote, err := ResolveRemote(ctx, c.Tool, ex)
		if err != nil {
			return err
		}
		boot, err := p.Offer(ctx, c.Pipe.PageCount, remote)
		if err != nil {
			return err
		}
		if err := ex.Publish(ctx, boot); err != nil {
			return fmt.Errorf("publish bootstrap: %w", err)
		}
		fmt.Fprintf(out, "Will now wait for at most %s\n", c.Pipe.HandshakeTimeout)
		if err := p.AwaitPeer(ctx); err != nil {
			return err
		}
	} else {
		boot, err := ex.Receive(ctx)
		if err != nil {
			return fmt.Errorf("receive bootstrap: %w", err)
		}
		if err := p.Accept(ctx, c.Pipe.PageCount, boot.DomID, boot.GrantRef); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "Connected successfully !")
	return nil
}

// Writer adapts p to an io.Writer whose writes stop when ctx ends. Ring
// waits that time out are retried.
func Writer(ctx context.Context, p *pipe.Pipe) io.Writer {
	return &ctxWriter{ctx: ctx, p: p}
}

type ctxWriter struct {
	ctx context.Context
	p   *pipe.Pipe
}

func (w *ctxWriter) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := w.p.WriteContext(w.ctx, b[written:])
		written += n
		if err != nil {
			if errors.Is(err, pipe.ErrTimeout) && w.ctx.Err() == nil {
				continue
			}
			return written, err
		}
	}
	return written, nil
}

// Reader adapts p to an io.Reader whose reads stop when ctx ends.
func Reader(ctx context.Context, p *pipe.Pipe) io.Reader {
	return &ctxReader{ctx: ctx, p: p}
}

type ctxReader struct {
	ctx context.Context
	p   *pipe.Pipe
}

func (r *ctxReader) Read(b []byte) (int, error) {
	for {
		n, err := r.p.ReadContext(r.ctx, b)
		if err != nil && errors.Is(err, pipe.ErrTimeout) && r.ctx.Err() == nil {
			continue
		}
		return n, err
	}
}
