// Package pipe implements a byte stream between two domains over pages one
// domain exposes and the other maps, with a doorbell for wakeups.
//
// Lifecycle:
//
//	Opened -> Init -> Exposer  -> Offer  -> (peer signals) -> Connected
//	                  Consumer -> Accept ----------------------> Connected
//	Connected -> Free -> HalfClosed -> Closed
//
// Any failed setup step releases what was acquired, in reverse order, and
// leaves the pipe Failed. The exposer never revokes a grant the consumer
// still maps: it waits for receiver_closed, which the consumer only sets
// after unmapping the payload.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/doorbell"
	"github.com/nmxmxh/xenshm/kernel/core/grant"
	"github.com/nmxmxh/xenshm/kernel/threads/arena"
	"github.com/nmxmxh/xenshm/kernel/threads/foundation"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Platform is what a pipe needs from the hypervisor.
type Platform interface {
	LocalDomID() common.DomainID
	arena.FrameSource
	grant.Granter
	grant.ForeignMapper
	doorbell.EventChannels
}

// Config holds the pipe timeouts.
type Config struct {
	WaitTimeout      time.Duration // one doorbell wait inside Read/Write
	HandshakeTimeout time.Duration // AwaitPeer
	ShutdownTimeout  time.Duration // one Free attempt
	RevokePoll       time.Duration
}

// DefaultConfig mirrors the config package defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Pipe)
}

// ConfigFrom extracts the pipe timeouts from process configuration.
func ConfigFrom(c config.PipeConfig) Config {
	return Config{
		WaitTimeout:      c.WaitTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		ShutdownTimeout:  c.ShutdownTimeout,
		RevokePoll:       c.RevokePoll,
	}
}

// Option configures a Pipe.
type Option func(*Pipe)

// WithLogger sets the pipe logger.
func WithLogger(logger *utils.Logger) Option {
	return func(p *Pipe) { p.logger = logger }
}

// WithMetrics records pipe activity into m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipe) { p.metrics = m }
}

// WithConfig overrides the default timeouts.
func WithConfig(cfg Config) Option {
	return func(p *Pipe) { p.cfg = cfg }
}

// WithAllocator shares one region allocator between pipes of a domain.
// Without it each pipe manages every frame of the platform itself, which
// is only safe for one pipe per domain.
func WithAllocator(a *arena.RegionAllocator) Option {
	return func(p *Pipe) { p.alloc = a }
}

// Pipe is one endpoint of a connection. Apart from State, Role and Stats it
// is not safe for concurrent use: one goroutine drives it.
type Pipe struct {
	id       string
	platform Platform
	alloc    *arena.RegionAllocator
	grants   *grant.Manager
	mapper   *grant.Mapper
	logger   *utils.Logger
	metrics  *Metrics
	cfg      Config

	state   atomic.Int32
	mode    Mode
	conv    Convention
	role    Role
	remote  common.DomainID
	pages   int
	failure error

	// exposer
	region         *arena.Region
	refs           []common.GrantRef // meta ref first; shrinks as refs are revoked
	connectedAtEnd bool

	// consumer
	metaMap    *grant.LocalRegion
	payloadMap *grant.LocalRegion
	tail       []byte // bytes drained from the ring when the exposer closed

	bell *doorbell.Channel
	meta *sab.Meta
	ring *foundation.ByteRing
}

// New creates a pipe in the Opened state.
func New(platform Platform, opts ...Option) *Pipe {
	p := &Pipe{
		id:       utils.GenerateID("pipe"),
		platform: platform,
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = utils.DefaultLogger("pipe")
	}
	p.logger = p.logger.With(utils.String("pipe", p.id))
	if p.alloc == nil {
		p.alloc = arena.NewRegionAllocator(platform, arena.WithLogger(p.logger))
	}
	p.grants = grant.NewManager(platform, p.logger)
	p.mapper = grant.NewMapper(platform, p.logger)
	p.state.Store(int32(StateOpened))
	return p
}

// ID returns the pipe identifier used in logs.
func (p *Pipe) ID() string { return p.id }

// State returns the connection state.
func (p *Pipe) State() State { return State(p.state.Load()) }

// Role returns the role chosen by Init.
func (p *Pipe) Role() Role { return p.role }

// Mode returns the mode chosen by Init.
func (p *Pipe) Mode() Mode { return p.mode }

// LocalDomID returns the local domain id.
func (p *Pipe) LocalDomID() common.DomainID { return p.platform.LocalDomID() }

// Capacity returns the ring capacity in bytes, or 0 before the handshake.
func (p *Pipe) Capacity() int {
	if p.ring == nil {
		return 0
	}
	return int(p.ring.Capacity())
}

// Stats is a snapshot of the pipe.
type Stats struct {
	State State
	Role  Role
	Ring  foundation.RingStats
}

// Stats returns a snapshot of the pipe.
func (p *Pipe) Stats() Stats {
	s := Stats{State: p.State(), Role: p.role}
	if p.ring != nil {
		s.Ring = p.ring.Stats()
	}
	return s
}

// Failure returns the error that moved the pipe to Failed.
func (p *Pipe) Failure() error { return p.failure }

func (p *Pipe) setState(s State) {
	old := State(p.state.Swap(int32(s)))
	if old != s {
		p.logger.Debug("State change", utils.String("from", old.String()), utils.String("to", s.String()))
	}
}

func (p *Pipe) fail(err *PipeError) error {
	p.failure = err
	p.setState(StateFailed)
	p.logger.Warn("Pipe failed", utils.String("op", err.Op), utils.String("code", err.Code), utils.Err(err))
	return err
}

func (p *Pipe) stateError(op string) error {
	s := p.State()
	switch s {
	case StateFailed:
		return wrapError(ErrCodeClosed, op, "pipe failed", p.failure)
	case StateHalfClosed, StateClosed:
		return newError(ErrCodeClosed, op, "pipe is "+s.String())
	default:
		return newError(ErrCodeWrongState, op, "not valid in state "+s.String())
	}
}

// Init fixes the data direction and convention, which decide whether this
// endpoint exposes (Offer) or consumes (Accept) the region.
func (p *Pipe) Init(mode Mode, conv Convention) error {
	const op = "init"
	if p.State() != StateOpened {
		return p.stateError(op)
	}
	if mode != ModeRead && mode != ModeWrite {
		return newError(ErrCodeInvalidInput, op, fmt.Sprintf("unknown mode %d", mode))
	}
	if conv != WriterOffers && conv != WriterAccepts {
		return newError(ErrCodeInvalidInput, op, fmt.Sprintf("unknown convention %d", conv))
	}

	p.mode = mode
	p.conv = conv
	p.role = RoleFor(mode, conv)
	p.logger = p.logger.With(utils.String("role", p.role.String()), utils.String("mode", mode.String()))
	if p.role == RoleExposer {
		p.setState(StateExposer)
	} else {
		p.setState(StateConsumer)
	}
	return nil
}

// newRing overlays the ring on the payload pages with its cursors in the
// meta page. Both ends must agree on pageCount*PAGE_SIZE bytes.
func newRing(payload, meta sab.MemoryProvider, pageCount int) (*foundation.ByteRing, error) {
	ring, err := foundation.NewByteRing(payload, meta, sab.OFFSET_META_WRITE_CURSOR, sab.OFFSET_META_READ_CURSOR)
	if err != nil {
		return nil, err
	}
	if want := sab.RingCapacity(pageCount); ring.Capacity() != want {
		return nil, fmt.Errorf("ring of %d bytes over %d pages, want %d", ring.Capacity(), pageCount, want)
	}
	return ring, nil
}

func checkPageCount(op string, pageCount int) error {
	if pageCount < sab.MIN_PAYLOAD_PAGES || pageCount > sab.MAX_PAYLOAD_PAGES {
		return newError(ErrCodeInvalidInput, op,
			fmt.Sprintf("page count %d outside [%d, %d]", pageCount, sab.MIN_PAYLOAD_PAGES, sab.MAX_PAYLOAD_PAGES))
	}
	return nil
}

// undoStack releases acquired resources in reverse order.
type undoStack []func()

func (u *undoStack) push(fn func()) { *u = append(*u, fn) }

func (u undoStack) run() {
	for i := len(u) - 1; i >= 0; i-- {
		u[i]()
	}
}

// Offer allocates pageCount payload pages plus the meta page, grants them
// to remote, opens the doorbell and publishes the meta page. The returned
// bootstrap must reach the consumer out of band.
func (p *Pipe) Offer(ctx context.Context, pageCount int, remote common.DomainID) (common.Bootstrap, error) {
	const op = "offer"
	if p.role == RoleConsumer {
		return common.Bootstrap{}, newError(ErrCodeWrongRole, op, "consumer endpoints accept")
	}
	if p.State() != StateExposer || p.region != nil {
		return common.Bootstrap{}, p.stateError(op)
	}
	if err := checkPageCount(op, pageCount); err != nil {
		return common.Bootstrap{}, err
	}
	if err := ctx.Err(); err != nil {
		return common.Bootstrap{}, classify(op, "cancelled", err)
	}

	var undo undoStack
	failed := func(err *PipeError) (common.Bootstrap, error) {
		undo.run()
		p.metrics.handshake(RoleExposer, "failed")
		return common.Bootstrap{}, p.fail(err)
	}

	region, err := p.alloc.Allocate(pageCount + 1)
	if err != nil {
		return failed(classify(op, "allocate region", err))
	}
	undo.push(func() {
		if err := region.Free(); err != nil {
			p.logger.Warn("Release region failed", utils.Err(err))
		}
	})

	refs, err := p.grants.Grant(region, remote)
	if err != nil {
		return failed(classify(op, "grant region", err))
	}
	undo.push(func() {
		for i := len(refs) - 1; i >= 0; i-- {
			if err := p.grants.Revoke(refs[i]); err != nil {
				p.logger.Warn("Revoke during rollback failed", utils.Uint32("ref", uint32(refs[i])), utils.Err(err))
			}
		}
	})

	bell, err := doorbell.Open(p.platform, remote)
	if err != nil {
		return failed(classify(op, "open doorbell", err))
	}
	undo.push(func() { _ = bell.Close() })

	metaMem, err := region.Memory(0, 1)
	if err != nil {
		return failed(classify(op, "meta view", err))
	}
	payload, err := region.Memory(1, pageCount+1)
	if err != nil {
		return failed(classify(op, "payload view", err))
	}
	meta, err := sab.NewMeta(metaMem, owner(RoleExposer, p.mode))
	if err != nil {
		return failed(classify(op, "meta view", err))
	}

	payloadRefs := make([]uint32, pageCount)
	for i, ref := range refs[1:] {
		payloadRefs[i] = uint32(ref)
	}
	if err := meta.Publish(sab.MetaHeader{
		PagesCount:   uint32(pageCount + 1),
		DoorbellPort: uint32(bell.LocalPort()),
		Convention:   uint32(p.conv),
		GrantRefs:    payloadRefs,
	}); err != nil {
		return failed(classify(op, "publish meta page", err))
	}

	ring, err := newRing(payload, metaMem, pageCount)
	if err != nil {
		return failed(classify(op, "ring", err))
	}

	p.region = region
	p.refs = refs
	p.bell = bell
	p.meta = meta
	p.ring = ring
	p.remote = remote
	p.pages = pageCount
	p.metrics.active(1)

	boot := common.Bootstrap{DomID: p.platform.LocalDomID(), GrantRef: refs[0]}
	p.logger.Info("Region offered",
		utils.String("remote", remote.String()),
		utils.Int("pages", pageCount),
		utils.Uint32("gref", uint32(boot.GrantRef)),
		utils.Uint32("port", uint32(bell.LocalPort())),
	)
	return boot, nil
}

// Accept maps the region remote offered starting from its meta page ref,
// checks it describes pageCount payload pages under our convention, binds
// the doorbell and signals the exposer.
func (p *Pipe) Accept(ctx context.Context, pageCount int, remote common.DomainID, first common.GrantRef) error {
	const op = "accept"
	if p.role == RoleExposer {
		return newError(ErrCodeWrongRole, op, "exposer endpoints offer")
	}
	if p.State() != StateConsumer || p.metaMap != nil {
		return p.stateError(op)
	}
	if err := checkPageCount(op, pageCount); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return classify(op, "cancelled", err)
	}

	var undo undoStack
	failed := func(err *PipeError) error {
		undo.run()
		p.metrics.handshake(RoleConsumer, "failed")
		return p.fail(err)
	}

	metaMap, err := p.mapper.Map(remote, []common.GrantRef{first})
	if err != nil {
		return failed(classify(op, "map meta page", err))
	}
	undo.push(func() { _ = metaMap.Unmap() })

	meta, err := sab.NewMeta(metaMap.Memory(), owner(RoleConsumer, p.mode))
	if err != nil {
		return failed(classify(op, "meta view", err))
	}
	header, err := meta.Header()
	if err != nil {
		return failed(classify(op, "read meta page", err))
	}
	if err := sab.ValidateHeader(header, sab.HeaderExpectations{
		PayloadPages: pageCount,
		Convention:   uint32(p.conv),
	}); err != nil {
		return failed(wrapError(ErrCodeHandshakeMismatch, op, "meta page rejected", err))
	}

	refs := make([]common.GrantRef, len(header.GrantRefs))
	for i, ref := range header.GrantRefs {
		refs[i] = common.GrantRef(ref)
	}
	payloadMap, err := p.mapper.Map(remote, refs)
	if err != nil {
		return failed(classify(op, "map payload", err))
	}
	undo.push(func() { _ = payloadMap.Unmap() })

	bell, err := doorbell.Bind(p.platform, remote, common.Port(header.DoorbellPort))
	if err != nil {
		return failed(classify(op, "bind doorbell", err))
	}
	undo.push(func() { _ = bell.Close() })

	ring, err := newRing(payloadMap.Memory(), metaMap.Memory(), pageCount)
	if err != nil {
		return failed(classify(op, "ring", err))
	}
	if err := bell.Signal(); err != nil {
		return failed(classify(op, "signal exposer", err))
	}

	p.metaMap = metaMap
	p.payloadMap = payloadMap
	p.meta = meta
	p.bell = bell
	p.ring = ring
	p.remote = remote
	p.pages = pageCount
	p.metrics.active(1)
	p.metrics.handshake(RoleConsumer, "ok")
	p.setState(StateConnected)

	p.logger.Info("Region accepted",
		utils.String("remote", remote.String()),
		utils.Int("pages", pageCount),
		utils.Uint32("gref", uint32(first)),
	)
	return nil
}

func (p *Pipe) waitBell(ctx context.Context, timeout time.Duration) (bool, error) {
	woken, err := p.bell.Wait(ctx, timeout)
	switch {
	case err != nil:
		p.metrics.wait("interrupted")
	case woken:
		p.metrics.wait("woken")
	default:
		p.metrics.wait("timeout")
	}
	return woken, err
}

// Wait blocks until the peer signals or timeout passes. A timeout is
// reported as ErrTimeout and leaves the pipe unchanged. On an exposer that
// has offered, the first signal completes the handshake.
func (p *Pipe) Wait(ctx context.Context, timeout time.Duration) error {
	const op = "wait"
	state := p.State()
	switch {
	case state == StateConnected:
	case state == StateExposer && p.region != nil:
	default:
		return p.stateError(op)
	}

	woken, err := p.waitBell(ctx, timeout)
	if err != nil {
		return classify(op, "wait interrupted", err)
	}
	if !woken {
		return newError(ErrCodeTimeout, op, fmt.Sprintf("no signal within %s", timeout))
	}

	if state == StateExposer {
		p.metrics.handshake(RoleExposer, "ok")
		p.setState(StateConnected)
		p.logger.Info("Peer connected", utils.String("remote", p.remote.String()))
		return nil
	}
	// A wakeup may carry the exposer's close intent.
	if p.role == RoleConsumer {
		closed, err := p.meta.OffererClosed()
		if err != nil {
			return classify(op, "read close flag", err)
		}
		if closed {
			if err := p.consumerClose(true); err != nil {
				p.logger.Warn("Consumer teardown incomplete", utils.Err(err))
			}
			if p.State() == StateFailed {
				return p.failure
			}
		}
	}
	return nil
}

// AwaitPeer waits up to the handshake timeout for the consumer's first
// signal. Timing out is fatal: the region is torn down and the pipe fails.
func (p *Pipe) AwaitPeer(ctx context.Context) error {
	const op = "await_peer"
	if p.role != RoleExposer {
		return newError(ErrCodeWrongRole, op, "only the exposer awaits its peer")
	}
	if p.State() == StateConnected {
		return nil
	}

	err := p.Wait(ctx, p.cfg.HandshakeTimeout)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTimeout) {
		return err
	}

	p.metrics.handshake(RoleExposer, "timeout")
	timeout := wrapError(ErrCodeTimeout, op, "consumer did not connect", utils.TimeoutError("handshake"))
	if cerr := p.exposerClose(ctx); cerr != nil {
		p.logger.Warn("Teardown after handshake timeout incomplete", utils.Err(cerr))
		p.failure = timeout
		return timeout
	}
	return p.fail(timeout)
}
