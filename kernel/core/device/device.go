// Package device is the control-plane boundary of a pipe: one tagged
// request type per operation, dispatched against the pipe owned by one
// open device handle.
package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/pipe"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Request is one operation on a device handle.
type Request interface {
	op() string
}

// Response is the result of a Request.
type Response interface {
	response()
}

type (
	// InitRequest picks the mode and convention.
	InitRequest struct {
		Mode       pipe.Mode
		Convention pipe.Convention
	}
	// OfferRequest exposes PageCount payload pages to RemoteDomID.
	OfferRequest struct {
		PageCount   int
		RemoteDomID common.DomainID
	}
	// AcceptRequest maps the region RemoteDomID offered.
	AcceptRequest struct {
		PageCount   int
		RemoteDomID common.DomainID
		GrantRef    common.GrantRef
	}
	// WaitRequest waits for one doorbell signal.
	WaitRequest struct {
		Timeout time.Duration
	}
	// WriteRequest writes Data; the response says how much went in.
	WriteRequest struct {
		Data []byte
	}
	// ReadRequest reads up to Size bytes.
	ReadRequest struct {
		Size int
	}
	// FreeRequest closes the pipe.
	FreeRequest struct{}
	// DomIDRequest asks for the local domain id.
	DomIDRequest struct{}
)

func (InitRequest) op() string   { return "init" }
func (OfferRequest) op() string  { return "offers" }
func (AcceptRequest) op() string { return "accepts" }
func (WaitRequest) op() string   { return "wait" }
func (WriteRequest) op() string  { return "write" }
func (ReadRequest) op() string   { return "read" }
func (FreeRequest) op() string   { return "free" }
func (DomIDRequest) op() string  { return "get_domid" }

type (
	// Ack is returned by requests without a payload.
	Ack struct{}
	// OfferResponse carries the bootstrap values for the consumer.
	OfferResponse struct {
		LocalDomID common.DomainID
		GrantRef   common.GrantRef
	}
	// WriteResponse reports the bytes written.
	WriteResponse struct {
		N int
	}
	// ReadResponse holds the bytes read. EOF marks a cleanly closed stream.
	ReadResponse struct {
		Data []byte
		EOF  bool
	}
	// DomIDResponse carries the local domain id.
	DomIDResponse struct {
		DomID common.DomainID
	}
)

func (Ack) response()           {}
func (OfferResponse) response() {}
func (WriteResponse) response() {}
func (ReadResponse) response()  {}
func (DomIDResponse) response() {}

// Device is one open handle. Each handle owns at most one pipe.
type Device struct {
	platform pipe.Platform
	opts     []pipe.Option
	logger   *utils.Logger

	mu   sync.Mutex
	pipe *pipe.Pipe
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the device logger.
func WithLogger(logger *utils.Logger) Option {
	return func(d *Device) { d.logger = logger }
}

// WithPipeOptions passes options to the pipe created by init.
func WithPipeOptions(opts ...pipe.Option) Option {
	return func(d *Device) { d.opts = append(d.opts, opts...) }
}

// Open creates a handle on platform.
func Open(platform pipe.Platform, opts ...Option) *Device {
	d := &Device{platform: platform}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = utils.DefaultLogger("device")
	}
	return d
}

// Pipe returns the pipe created by init, or nil.
func (d *Device) Pipe() *pipe.Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipe
}

// Do runs one request.
func (d *Device) Do(ctx context.Context, req Request) (Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := req.(DomIDRequest); ok {
		return DomIDResponse{DomID: d.platform.LocalDomID()}, nil
	}
	if ir, ok := req.(InitRequest); ok {
		if d.pipe != nil {
			return nil, fmt.Errorf("%s: handle already initialised: %w", req.op(), pipe.ErrWrongState)
		}
		p := pipe.New(d.platform, append([]pipe.Option{pipe.WithLogger(d.logger)}, d.opts...)...)
		if err := p.Init(ir.Mode, ir.Convention); err != nil {
			return nil, err
		}
		d.pipe = p
		return Ack{}, nil
	}
	if d.pipe == nil {
		return nil, fmt.Errorf("%s before init: %w", req.op(), pipe.ErrWrongState)
	}

	switch r := req.(type) {
	case OfferRequest:
		boot, err := d.pipe.Offer(ctx, r.PageCount, r.RemoteDomID)
		if err != nil {
			return nil, err
		}
		return OfferResponse{LocalDomID: boot.DomID, GrantRef: boot.GrantRef}, nil
	case AcceptRequest:
		if err := d.pipe.Accept(ctx, r.PageCount, r.RemoteDomID, r.GrantRef); err != nil {
			return nil, err
		}
		return Ack{}, nil
	case WaitRequest:
		if err := d.pipe.Wait(ctx, r.Timeout); err != nil {
			return nil, err
		}
		return Ack{}, nil
	case WriteRequest:
		n, err := d.pipe.WriteContext(ctx, r.Data)
		return WriteResponse{N: n}, err
	case ReadRequest:
		if r.Size <= 0 {
			return nil, fmt.Errorf("read of %d bytes: %w", r.Size, pipe.ErrInvalidInput)
		}
		buf := make([]byte, r.Size)
		n, err := d.pipe.ReadContext(ctx, buf)
		if errors.Is(err, io.EOF) {
			return ReadResponse{EOF: true}, nil
		}
		return ReadResponse{Data: buf[:n]}, err
	case FreeRequest:
		if err := d.pipe.Free(ctx); err != nil {
			return nil, err
		}
		return Ack{}, nil
	default:
		return nil, fmt.Errorf("unknown request %T: %w", req, pipe.ErrInvalidInput)
	}
}

// Close frees the pipe, as closing the device file would.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipe == nil {
		return nil
	}
	return d.pipe.Free(context.Background())
}

// Code maps an error onto the negative errno a device call would return.
func Code(err error) int32 {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	switch {
	case errors.Is(err, pipe.ErrOutOfMemory):
		errno = unix.ENOMEM
	case errors.Is(err, pipe.ErrPermissionDenied):
		errno = unix.EACCES
	case errors.Is(err, pipe.ErrHandshakeMismatch):
		errno = unix.EPROTO
	case errors.Is(err, pipe.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		errno = unix.ETIMEDOUT
	case errors.Is(err, context.Canceled):
		errno = unix.EINTR
	case errors.Is(err, pipe.ErrPeerClosed), errors.Is(err, pipe.ErrClosed):
		errno = unix.EPIPE
	case errors.Is(err, pipe.ErrInvalidReference), errors.Is(err, pipe.ErrInvalidInput),
		errors.Is(err, pipe.ErrWrongRole), errors.Is(err, pipe.ErrWrongMode), errors.Is(err, pipe.ErrWrongState):
		errno = unix.EINVAL
	default:
		errno = unix.EIO
	}
	return -int32(errno)
}
