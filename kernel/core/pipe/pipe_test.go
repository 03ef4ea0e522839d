package pipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/emu"
	"github.com/nmxmxh/xenshm/kernel/threads/arena"
	"github.com/nmxmxh/xenshm/kernel/threads/foundation"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

type env struct {
	host           *emu.Host
	a, b           *emu.Domain
	allocA, allocB *arena.RegionAllocator
	metrics        *Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	host, err := emu.NewInMemoryHost(emu.Geometry{MaxDomains: 3, FramesPerDomain: 32, PortsPerDomain: 8},
		emu.WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	a, err := host.Domain(1)
	require.NoError(t, err)
	b, err := host.Domain(2)
	require.NoError(t, err)
	return &env{
		host:    host,
		a:       a,
		b:       b,
		allocA:  arena.NewRegionAllocator(a, arena.WithLogger(utils.NopLogger())),
		allocB:  arena.NewRegionAllocator(b, arena.WithLogger(utils.NopLogger())),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
}

func testConfig() Config {
	return Config{
		WaitTimeout:      time.Second,
		HandshakeTimeout: time.Second,
		ShutdownTimeout:  2 * time.Second,
		RevokePoll:       time.Millisecond,
	}
}

func (e *env) newPipe(d *emu.Domain, cfg Config) *Pipe {
	alloc := e.allocA
	if d == e.b {
		alloc = e.allocB
	}
	return New(d, WithLogger(utils.NopLogger()), WithConfig(cfg), WithMetrics(e.metrics), WithAllocator(alloc))
}

// connect runs the handshake with domain a exposing and returns the writer
// and the reader ends.
func (e *env) connect(t *testing.T, conv Convention, pages int, cfg Config) (writer, reader *Pipe) {
	t.Helper()
	ctx := context.Background()

	exposer := e.newPipe(e.a, cfg)
	consumer := e.newPipe(e.b, cfg)
	exposerMode, consumerMode := ModeWrite, ModeRead
	if conv == WriterAccepts {
		exposerMode, consumerMode = ModeRead, ModeWrite
	}
	require.NoError(t, exposer.Init(exposerMode, conv))
	require.NoError(t, consumer.Init(consumerMode, conv))
	require.Equal(t, RoleExposer, exposer.Role())
	require.Equal(t, RoleConsumer, consumer.Role())

	boot, err := exposer.Offer(ctx, pages, e.b.LocalDomID())
	require.NoError(t, err)
	assert.Equal(t, e.a.LocalDomID(), boot.DomID)

	require.NoError(t, consumer.Accept(ctx, pages, boot.DomID, boot.GrantRef))
	require.NoError(t, exposer.AwaitPeer(ctx))
	require.Equal(t, StateConnected, exposer.State())
	require.Equal(t, StateConnected, consumer.State())

	if conv == WriterAccepts {
		return consumer, exposer
	}
	return exposer, consumer
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func transfer(t *testing.T, writer, reader *Pipe, data []byte, chunk int) []byte {
	t.Helper()
	var got bytes.Buffer
	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		for off := 0; off < len(data); off += chunk {
			end := min(off+chunk, len(data))
			if _, err := writer.Write(data[off:end]); err != nil {
				return err
			}
		}
		return writer.Free(ctx)
	})
	g.Go(func() error {
		_, err := io.Copy(&got, reader)
		if err != nil {
			return err
		}
		return reader.Free(ctx)
	})
	require.NoError(t, g.Wait())
	return got.Bytes()
}

func TestRoundTrip_WriterOffers(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	assert.Equal(t, 4096, writer.Capacity())

	data := pattern(10000)
	got := transfer(t, writer, reader, data, 512)
	assert.Equal(t, data, got)

	assert.Equal(t, StateClosed, writer.State())
	assert.Equal(t, StateClosed, reader.State())
	assert.Equal(t, 0, e.b.Mappings())

	// Nothing after end of stream.
	n, err := reader.ReadContext(context.Background(), make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, float64(10000), testutil.ToFloat64(e.metrics.BytesWritten))
	assert.Equal(t, float64(10000), testutil.ToFloat64(e.metrics.BytesRead))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.metrics.PipesActive))
}

func TestRoundTrip_WriterAccepts(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterAccepts, 3, testConfig())
	assert.Equal(t, RoleConsumer, writer.Role())
	assert.Equal(t, int(sab.RingCapacity(3)), writer.Capacity())
	assert.Equal(t, writer.Capacity(), reader.Capacity())

	data := pattern(50000)
	got := transfer(t, writer, reader, data, 700)
	assert.Equal(t, data, got)
	assert.Equal(t, StateClosed, reader.State())
	assert.Equal(t, 0, e.b.Mappings())
}

func TestHandshake_PageCountMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	exposer := e.newPipe(e.a, testConfig())
	consumer := e.newPipe(e.b, testConfig())
	require.NoError(t, exposer.Init(ModeWrite, WriterOffers))
	require.NoError(t, consumer.Init(ModeRead, WriterOffers))

	boot, err := exposer.Offer(ctx, 2, e.b.LocalDomID())
	require.NoError(t, err)

	err = consumer.Accept(ctx, 1, boot.DomID, boot.GrantRef)
	assert.ErrorIs(t, err, ErrHandshakeMismatch)
	assert.Equal(t, ErrCodeHandshakeMismatch, Code(err))
	assert.Equal(t, StateFailed, consumer.State())
	assert.Equal(t, 0, e.b.Mappings())

	// The exposer was never connected; it can free straight away.
	require.NoError(t, exposer.Free(ctx))
	assert.Equal(t, StateClosed, exposer.State())
}

func TestHandshake_ConventionMismatch(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	exposer := e.newPipe(e.a, testConfig())
	consumer := e.newPipe(e.b, testConfig())
	require.NoError(t, exposer.Init(ModeWrite, WriterOffers))
	require.NoError(t, consumer.Init(ModeWrite, WriterAccepts))

	boot, err := exposer.Offer(ctx, 1, e.b.LocalDomID())
	require.NoError(t, err)
	err = consumer.Accept(ctx, 1, boot.DomID, boot.GrantRef)
	assert.ErrorIs(t, err, ErrHandshakeMismatch)
	assert.Equal(t, 0, e.b.Mappings())
}

func TestHandshake_BadReference(t *testing.T) {
	e := newEnv(t)
	consumer := e.newPipe(e.b, testConfig())
	require.NoError(t, consumer.Init(ModeRead, WriterOffers))

	err := consumer.Accept(context.Background(), 1, e.a.LocalDomID(), common.GrantRef(7))
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Equal(t, StateFailed, consumer.State())

	// Failed pipes stay failed.
	_, err = consumer.ReadContext(context.Background(), make([]byte, 1))
	assert.Equal(t, ErrCodeClosed, Code(err))
	assert.NoError(t, consumer.Free(context.Background()))
}

func TestOffer_OutOfMemory(t *testing.T) {
	host, err := emu.NewInMemoryHost(emu.Geometry{MaxDomains: 2, FramesPerDomain: 4, PortsPerDomain: 4},
		emu.WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	defer host.Close()
	d, err := host.Domain(0)
	require.NoError(t, err)

	p := New(d, WithLogger(utils.NopLogger()))
	require.NoError(t, p.Init(ModeWrite, WriterOffers))
	_, err = p.Offer(context.Background(), 8, 1)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, StateFailed, p.State())
}

func TestWait_TimesOut(t *testing.T) {
	e := newEnv(t)
	exposer := e.newPipe(e.a, testConfig())
	require.NoError(t, exposer.Init(ModeWrite, WriterOffers))
	_, err := exposer.Offer(context.Background(), 1, e.b.LocalDomID())
	require.NoError(t, err)

	start := time.Now()
	err = exposer.Wait(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, StateExposer, exposer.State())
}

func TestWait_Interrupted(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	defer writer.Free(context.Background())
	defer reader.Free(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := reader.ReadContext(ctx, make([]byte, 8))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateConnected, reader.State())
}

func TestAwaitPeer_TimeoutFails(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.HandshakeTimeout = 30 * time.Millisecond
	exposer := e.newPipe(e.a, cfg)
	require.NoError(t, exposer.Init(ModeWrite, WriterOffers))
	_, err := exposer.Offer(context.Background(), 2, e.b.LocalDomID())
	require.NoError(t, err)

	err = exposer.AwaitPeer(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateFailed, exposer.State())

	reports, err := e.host.Inspect()
	require.NoError(t, err)
	assert.Empty(t, reports[1].Grants)
	assert.Empty(t, reports[1].Ports)
}

func TestWrite_BlocksWhileFull(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.WaitTimeout = 2 * time.Second
	writer, reader := e.connect(t, WriterOffers, 1, cfg)
	ctx := context.Background()

	n, err := writer.WriteContext(ctx, pattern(5000))
	require.NoError(t, err)
	assert.Equal(t, 4096, n)

	done := make(chan int, 1)
	go func() {
		n, _ := writer.WriteContext(ctx, []byte("more"))
		done <- n
	}()

	select {
	case <-done:
		t.Fatal("write into a full ring returned early")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 100)
	n, err = reader.ReadContext(ctx, buf)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, pattern(100), buf)

	select {
	case n := <-done:
		assert.Equal(t, 4, n)
	case <-time.After(time.Second):
		t.Fatal("write did not resume after read")
	}
}

func TestWrite_FullRingTimeout(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.WaitTimeout = 20 * time.Millisecond
	writer, _ := e.connect(t, WriterOffers, 1, cfg)

	_, err := writer.WriteContext(context.Background(), pattern(4096))
	require.NoError(t, err)
	n, err := writer.WriteContext(context.Background(), []byte{1})
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateConnected, writer.State())
	assert.Equal(t, float64(1), testutil.ToFloat64(e.metrics.RingFull))
}

func TestUsage_WrongRoleAndMode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())

	_, err := writer.ReadContext(ctx, make([]byte, 1))
	assert.ErrorIs(t, err, ErrWrongMode)
	_, err = reader.WriteContext(ctx, []byte{1})
	assert.ErrorIs(t, err, ErrWrongMode)

	fresh := e.newPipe(e.b, testConfig())
	require.NoError(t, fresh.Init(ModeRead, WriterOffers))
	_, err = fresh.Offer(ctx, 1, e.a.LocalDomID())
	assert.ErrorIs(t, err, ErrWrongRole)
	assert.Error(t, fresh.Init(ModeWrite, WriterOffers))

	_, err = New(e.a).WriteContext(ctx, []byte{1})
	assert.ErrorIs(t, err, ErrWrongState)
	assert.ErrorIs(t, fresh.Accept(ctx, 0, e.a.LocalDomID(), 1), ErrInvalidInput)
}

func TestFree_NeverRevokesBeforeUnmap(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	writer, reader := e.connect(t, WriterOffers, 2, cfg)
	ctx := context.Background()

	_, err := writer.WriteContext(ctx, []byte("tail bytes"))
	require.NoError(t, err)

	// The reader is idle, so the exposer cannot finish.
	err = writer.Free(ctx)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateHalfClosed, writer.State())
	assert.Equal(t, 3, e.b.Mappings())

	reports, err := e.host.Inspect()
	require.NoError(t, err)
	for _, g := range reports[1].Grants {
		assert.False(t, g.Revoking)
	}
	assert.Len(t, reports[1].Grants, 3)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail bytes"), got)
	assert.Equal(t, 0, e.b.Mappings())

	require.NoError(t, writer.Free(ctx))
	assert.Equal(t, StateClosed, writer.State())
}

func TestConsumer_DrainsOnCloseSignal(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	ctx := context.Background()

	_, err := writer.WriteContext(ctx, []byte("last words"))
	require.NoError(t, err)

	freed := make(chan error, 1)
	go func() { freed <- writer.Free(ctx) }()

	// Wake on the data signal, then on the close signal.
	for reader.State() == StateConnected {
		err := reader.Wait(ctx, time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, reader.State())
	assert.Equal(t, 0, e.b.Mappings())
	require.NoError(t, <-freed)

	got, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Equal(t, []byte("last words"), got)
}

// corruptWriteCursor pushes the write cursor outside the 2C cursor space.
func corruptWriteCursor(t *testing.T, p *Pipe) {
	t.Helper()
	require.NoError(t, p.meta.Memory().AtomicStore32(sab.OFFSET_META_WRITE_CURSOR, 2*p.ring.Capacity()))
}

func TestConsumer_CorruptRingOnCloseFails(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	ctx := context.Background()

	_, err := writer.WriteContext(ctx, []byte("abc"))
	require.NoError(t, err)
	require.NoError(t, writer.meta.SetOffererClosed())
	corruptWriteCursor(t, writer)
	require.NoError(t, writer.bell.Signal())

	err = reader.Wait(ctx, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, foundation.ErrRingCorrupted)
	assert.Equal(t, StateFailed, reader.State())
	assert.Equal(t, 0, e.b.Mappings(), "a failed consumer still unmaps")

	_, err = reader.ReadContext(ctx, make([]byte, 8))
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, foundation.ErrRingCorrupted)

	require.NoError(t, writer.Free(ctx))
	assert.Equal(t, StateClosed, writer.State())
}

func TestRead_CorruptRingFailsInsteadOfEOF(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	ctx := context.Background()

	require.NoError(t, writer.meta.SetOffererClosed())
	corruptWriteCursor(t, writer)

	n, err := reader.ReadContext(ctx, make([]byte, 8))
	assert.Zero(t, n)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.ErrorIs(t, err, foundation.ErrRingCorrupted)
	assert.Equal(t, ErrCodeInternal, Code(err))
	assert.Equal(t, StateFailed, reader.State())
	assert.Equal(t, 0, e.b.Mappings())

	require.NoError(t, writer.Free(ctx))
	assert.Equal(t, StateClosed, writer.State())
}

func TestConsumerReaderClosesFirst(t *testing.T) {
	e := newEnv(t)
	writer, reader := e.connect(t, WriterOffers, 1, testConfig())
	ctx := context.Background()

	require.NoError(t, reader.Free(ctx))
	assert.Equal(t, 0, e.b.Mappings())

	_, err := writer.WriteContext(ctx, []byte{1})
	assert.ErrorIs(t, err, ErrPeerClosed)
	require.NoError(t, writer.Free(ctx))
	assert.Equal(t, StateClosed, writer.State())
}

func TestReaper_FinishesDeferredTeardown(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	writer, reader := e.connect(t, WriterOffers, 1, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Error(t, writer.Free(ctx))
	reaper := NewReaper(10*time.Millisecond, utils.NopLogger())
	reaper.Adopt(writer)
	assert.Equal(t, 1, reaper.Pending())

	go func() { _ = reaper.Run(ctx) }()

	_, err := io.ReadAll(reader)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return reaper.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, writer.State())
}

func TestErrors_CodeAndKind(t *testing.T) {
	err := classify("map", "map meta page", common.ErrPermissionDenied)
	assert.Equal(t, ErrCodePermissionDenied, err.Code)
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Contains(t, err.Error(), "[PERMISSION_DENIED] map")

	assert.Equal(t, ErrCodeInternal, Code(errors.New("x")))
	assert.Equal(t, err, classify("other", "again", err))
}

func TestRoleFor(t *testing.T) {
	assert.Equal(t, RoleExposer, RoleFor(ModeWrite, WriterOffers))
	assert.Equal(t, RoleConsumer, RoleFor(ModeRead, WriterOffers))
	assert.Equal(t, RoleConsumer, RoleFor(ModeWrite, WriterAccepts))
	assert.Equal(t, RoleExposer, RoleFor(ModeRead, WriterAccepts))

	c, err := ParseConvention("writer_accepts")
	require.NoError(t, err)
	assert.Equal(t, WriterAccepts, c)
	_, err = ParseConvention("both")
	assert.Error(t, err)
}
