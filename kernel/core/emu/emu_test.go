package emu

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeometry() Geometry {
	return Geometry{MaxDomains: 4, FramesPerDomain: 16, PortsPerDomain: 8}
}

func newTestHost(t *testing.T) *Host {
	t.Helper()
	h, err := NewInMemoryHost(testGeometry(), WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func twoDomains(t *testing.T, h *Host) (*Domain, *Domain) {
	t.Helper()
	a, err := h.Domain(1)
	require.NoError(t, err)
	b, err := h.Domain(2)
	require.NoError(t, err)
	return a, b
}

func TestGeometry_Validate(t *testing.T) {
	assert.NoError(t, DefaultGeometry().Validate())
	assert.Error(t, Geometry{MaxDomains: 1, FramesPerDomain: 1, PortsPerDomain: 1}.Validate())
	assert.Error(t, Geometry{MaxDomains: 2000, FramesPerDomain: 1, PortsPerDomain: 2}.Validate())
	assert.Error(t, Geometry{MaxDomains: 8, FramesPerDomain: 1 << 20, PortsPerDomain: 2}.Validate())

	g := testGeometry()
	assert.Equal(t, uint32(0), g.DomainTableSize()%sab.PAGE_SIZE)
	assert.Equal(t, g.FramesBase()+4*16*sab.PAGE_SIZE, g.HostSize())
}

func TestHost_DomainBounds(t *testing.T) {
	h := newTestHost(t)

	_, err := h.Domain(4)
	assert.ErrorIs(t, err, common.ErrInvalidDomain)

	a1, err := h.Domain(1)
	require.NoError(t, err)
	a2, err := h.Domain(1)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
	assert.Equal(t, common.Frame(16), a1.FirstFrame())

	_, err = a1.Page(common.Frame(0))
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
	page, err := a1.Page(a1.FirstFrame())
	require.NoError(t, err)
	assert.Len(t, page, sab.PAGE_SIZE)
}

func TestGrant_MapSharesMemory(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)

	frame := a.FirstFrame() + 3
	page, err := a.Page(frame)
	require.NoError(t, err)
	copy(page, []byte("hello"))

	ref, err := a.GrantAccess(b.LocalDomID(), frame)
	require.NoError(t, err)
	assert.NotEqual(t, common.InvalidGrantRef, ref)

	handle, mapped, err := b.MapGrant(a.LocalDomID(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), mapped[:5])

	mapped[0] = 'j'
	assert.Equal(t, byte('j'), page[0])

	inUse, err := a.QueryAccess(ref)
	require.NoError(t, err)
	assert.True(t, inUse)
	assert.Equal(t, 1, b.Mappings())

	require.NoError(t, b.UnmapGrant(handle))
	assert.ErrorIs(t, b.UnmapGrant(handle), common.ErrNotMapped)

	inUse, err = a.QueryAccess(ref)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestGrant_EndAccessWhileMapped(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)

	ref, err := a.GrantAccess(b.LocalDomID(), a.FirstFrame())
	require.NoError(t, err)
	handle, _, err := b.MapGrant(a.LocalDomID(), ref)
	require.NoError(t, err)

	assert.ErrorIs(t, a.EndAccess(ref), common.ErrGrantInUse)

	// The grant survives a refused revoke.
	_, again, err := b.MapGrant(a.LocalDomID(), ref)
	require.NoError(t, err)
	assert.NotNil(t, again)

	require.NoError(t, b.UnmapGrant(handle))
	require.NoError(t, b.UnmapGrant(handle+1))
	require.NoError(t, a.EndAccess(ref))

	_, _, err = b.MapGrant(a.LocalDomID(), ref)
	assert.ErrorIs(t, err, common.ErrInvalidReference)
	assert.ErrorIs(t, a.EndAccess(ref), common.ErrInvalidReference)
}

func TestGrant_Errors(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	c, err := h.Domain(3)
	require.NoError(t, err)

	_, err = a.GrantAccess(b.LocalDomID(), b.FirstFrame())
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
	_, err = a.GrantAccess(common.DomainID(9), a.FirstFrame())
	assert.ErrorIs(t, err, common.ErrInvalidDomain)

	ref, err := a.GrantAccess(b.LocalDomID(), a.FirstFrame())
	require.NoError(t, err)

	_, _, err = c.MapGrant(a.LocalDomID(), ref)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
	_, _, err = b.MapGrant(a.LocalDomID(), ref+1)
	assert.ErrorIs(t, err, common.ErrInvalidReference)
	_, _, err = b.MapGrant(a.LocalDomID(), common.InvalidGrantRef)
	assert.ErrorIs(t, err, common.ErrInvalidReference)

	inUse, err := a.QueryAccess(ref)
	require.NoError(t, err)
	assert.False(t, inUse, "failed maps must not leave a pin behind")
}

func TestGrant_TableFull(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)

	for i := uint32(0); i < a.FrameCount(); i++ {
		_, err := a.GrantAccess(b.LocalDomID(), a.FirstFrame()+common.Frame(i))
		require.NoError(t, err)
	}
	_, err := a.GrantAccess(b.LocalDomID(), a.FirstFrame())
	assert.ErrorIs(t, err, common.ErrOutOfMemory)
}

func bindPair(t *testing.T, a, b *Domain) (common.Port, common.Port) {
	t.Helper()
	pa, err := a.AllocUnbound(b.LocalDomID())
	require.NoError(t, err)
	pb, err := b.BindInterdomain(a.LocalDomID(), pa)
	require.NoError(t, err)
	return pa, pb
}

func TestEvents_BindNotifyWait(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	ctx := context.Background()

	pa, err := a.AllocUnbound(b.LocalDomID())
	require.NoError(t, err)
	state, err := a.PortState(pa)
	require.NoError(t, err)
	assert.Equal(t, "unbound", PortStateName(state))

	// Notifying before the peer binds is dropped silently.
	require.NoError(t, a.Notify(pa))

	pb, err := b.BindInterdomain(a.LocalDomID(), pa)
	require.NoError(t, err)
	state, _ = a.PortState(pa)
	assert.Equal(t, "interdomain", PortStateName(state))

	require.NoError(t, b.Notify(pb))
	require.NoError(t, b.Notify(pb))
	require.NoError(t, b.Notify(pb))

	woken, err := a.Wait(ctx, pa, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	// Three notifications collapse into one wakeup.
	woken, err = a.Wait(ctx, pa, 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woken)

	require.NoError(t, a.Notify(pa))
	woken, err = b.Wait(ctx, pb, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)
}

func TestEvents_BindRules(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	c, err := h.Domain(3)
	require.NoError(t, err)

	pa, err := a.AllocUnbound(b.LocalDomID())
	require.NoError(t, err)

	_, err = c.BindInterdomain(a.LocalDomID(), pa)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	_, err = b.BindInterdomain(a.LocalDomID(), pa+1)
	assert.ErrorIs(t, err, common.ErrInvalidPort)

	_, err = b.BindInterdomain(a.LocalDomID(), pa)
	require.NoError(t, err)
	_, err = b.BindInterdomain(a.LocalDomID(), pa)
	assert.ErrorIs(t, err, common.ErrInvalidPort)

	_, err = a.Wait(context.Background(), common.Port(7), 0)
	assert.ErrorIs(t, err, common.ErrInvalidPort)
}

func TestEvents_WaitWakesAcrossGoroutines(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	pa, pb := bindPair(t, a, b)

	var wg sync.WaitGroup
	wg.Add(1)
	var woken bool
	go func() {
		defer wg.Done()
		woken, _ = a.Wait(context.Background(), pa, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Notify(pb))
	wg.Wait()
	assert.True(t, woken)
}

func TestEvents_WaitCancelled(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	pa, _ := bindPair(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	woken, err := a.Wait(ctx, pa, 5*time.Second)
	assert.False(t, woken)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEvents_CloseTellsPeer(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)
	pa, pb := bindPair(t, a, b)

	require.NoError(t, a.Close(pa))
	state, err := b.PortState(pb)
	require.NoError(t, err)
	assert.Equal(t, "closed-peer", PortStateName(state))

	woken, err := b.Wait(context.Background(), pb, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	// Notifying a closed peer is a no-op.
	require.NoError(t, b.Notify(pb))
	require.NoError(t, b.Close(pb))
	assert.ErrorIs(t, b.Close(pb), common.ErrInvalidPort)

	state, _ = a.PortState(pa)
	assert.Equal(t, "free", PortStateName(state))
}

func TestHost_Inspect(t *testing.T) {
	h := newTestHost(t)
	a, b := twoDomains(t, h)

	ref, err := a.GrantAccess(b.LocalDomID(), a.FirstFrame()+1)
	require.NoError(t, err)
	_, _, err = b.MapGrant(a.LocalDomID(), ref)
	require.NoError(t, err)
	bindPair(t, a, b)

	reports, err := h.Inspect()
	require.NoError(t, err)
	require.Len(t, reports, 4)

	ra := reports[1]
	assert.Equal(t, uint32(1), ra.Attached)
	require.Len(t, ra.Grants, 1)
	assert.Equal(t, uint32(1), ra.Grants[0].Mappings)
	assert.Equal(t, b.LocalDomID(), ra.Grants[0].Remote)
	require.Len(t, ra.Ports, 1)
	assert.Equal(t, "interdomain", ra.Ports[0].State)

	var buf bytes.Buffer
	WriteReport(&buf, reports)
	assert.Contains(t, buf.String(), "dom1 attached=1 grants=1 ports=1")
	assert.NotContains(t, buf.String(), "dom3")
}

func TestHost_SharedFileAcrossAttachers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host")
	geo := testGeometry()

	first, err := OpenHost(path, geo, WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	defer first.Close()
	second, err := OpenHost(path, geo, WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	defer second.Close()

	a, err := first.Domain(1)
	require.NoError(t, err)
	b, err := second.Domain(2)
	require.NoError(t, err)

	frame := a.FirstFrame()
	page, err := a.Page(frame)
	require.NoError(t, err)
	copy(page, []byte("cross"))

	ref, err := a.GrantAccess(b.LocalDomID(), frame)
	require.NoError(t, err)
	_, mapped, err := b.MapGrant(a.LocalDomID(), ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("cross"), mapped[:5])

	pa, pb := bindPair(t, a, b)
	require.NoError(t, b.Notify(pb))
	woken, err := a.Wait(context.Background(), pa, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	mismatch := geo
	mismatch.PortsPerDomain = 16
	_, err = OpenHost(path, mismatch, WithLogger(utils.NopLogger()))
	assert.Error(t, err)
}
