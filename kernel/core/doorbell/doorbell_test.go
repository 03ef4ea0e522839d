package doorbell

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/xenshm/kernel/core/emu"
	"github.com/nmxmxh/xenshm/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	host, err := emu.NewInMemoryHost(emu.Geometry{MaxDomains: 2, FramesPerDomain: 4, PortsPerDomain: 4},
		emu.WithLogger(utils.NopLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = host.Close() })

	a, err := host.Domain(0)
	require.NoError(t, err)
	b, err := host.Domain(1)
	require.NoError(t, err)

	opened, err := Open(a, b.LocalDomID())
	require.NoError(t, err)
	bound, err := Bind(b, a.LocalDomID(), opened.LocalPort())
	require.NoError(t, err)
	return opened, bound
}

func TestSignalWakesPeer(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		woken, _ := b.Wait(ctx, time.Second)
		done <- woken
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Signal())

	select {
	case woken := <-done:
		assert.True(t, woken)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestSignalsCoalesce(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Signal())
	}
	woken, err := a.Wait(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	start := time.Now()
	woken, err = a.Wait(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, woken)
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
}

func TestClose(t *testing.T) {
	a, b := newPair(t)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Signal(), ErrClosed)
	_, err := a.Wait(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)

	// Closing one end wakes the other once; further signals go nowhere.
	woken, err := b.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, woken)
	assert.NoError(t, b.Signal())
	require.NoError(t, b.Close())
}
