package oob

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsole_PublishAndReceive(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("2\n17"), &out)
	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, common.Bootstrap{DomID: 1, GrantRef: 9}))
	assert.Equal(t, "Local domain id: 1\nGrant reference id: 9\n", out.String())

	out.Reset()
	b, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Bootstrap{DomID: 2, GrantRef: 17}, b)
	assert.Equal(t, "Distant domain id: Grant reference id: ", out.String())
}

func TestConsole_Malformed(t *testing.T) {
	ctx := context.Background()

	_, err := NewConsole(strings.NewReader("two\n"), &bytes.Buffer{}).Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NewConsole(strings.NewReader("70000\n"), &bytes.Buffer{}).AskDomain(ctx)
	assert.ErrorIs(t, err, ErrMalformed, "domain ids are 16 bits")

	_, err = NewConsole(strings.NewReader("1\n0\n"), &bytes.Buffer{}).Receive(ctx)
	assert.ErrorIs(t, err, ErrMalformed, "zero grant ref")

	_, err = NewConsole(strings.NewReader(""), &bytes.Buffer{}).Receive(ctx)
	assert.Error(t, err)
}

func TestConsole_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewConsole(strings.NewReader("1\n"), &bytes.Buffer{}).AskDomain(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWebSocket_ReceiveWaitsForPublish(t *testing.T) {
	exposer := NewWebSocket(config.OOBConfig{}, utils.NopLogger())
	srv := httptest.NewServer(exposer.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = exposer.Close() })

	consumer := NewWebSocket(config.OOBConfig{
		URL:         "ws" + strings.TrimPrefix(srv.URL, "http") + BootstrapPath,
		DialTimeout: 5 * time.Second,
	}, utils.NopLogger())

	want := common.Bootstrap{DomID: 3, GrantRef: 41}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = exposer.Publish(context.Background(), want)
	}()

	got, err := consumer.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestWebSocket_ListenAndServe(t *testing.T) {
	exposer := NewWebSocket(config.OOBConfig{ListenAddr: "127.0.0.1:0"}, utils.NopLogger())
	t.Cleanup(func() { _ = exposer.Close() })
	assert.Empty(t, exposer.Addr())

	want := common.Bootstrap{DomID: 1, GrantRef: 5}
	require.NoError(t, exposer.Publish(context.Background(), want))
	require.NotEmpty(t, exposer.Addr())

	consumer := NewWebSocket(config.OOBConfig{
		URL:         "ws://" + exposer.Addr() + BootstrapPath,
		DialTimeout: 5 * time.Second,
	}, utils.NopLogger())
	for i := 0; i < 2; i++ {
		got, err := consumer.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestWebSocket_ReceiveTimesOut(t *testing.T) {
	consumer := NewWebSocket(config.OOBConfig{
		URL:         "ws://127.0.0.1:1" + BootstrapPath,
		DialTimeout: 300 * time.Millisecond,
	}, utils.NopLogger())

	start := time.Now()
	_, err := consumer.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, utils.IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWebSocket_PublishRejectsZeroRef(t *testing.T) {
	w := NewWebSocket(config.OOBConfig{}, utils.NopLogger())
	assert.ErrorIs(t, w.Publish(context.Background(), common.Bootstrap{DomID: 1}), ErrMalformed)
}

func TestNew_SelectsMode(t *testing.T) {
	e, err := NewWithIO(config.OOBConfig{Mode: config.OOBConsole}, strings.NewReader(""), &bytes.Buffer{}, utils.NopLogger())
	require.NoError(t, err)
	assert.IsType(t, &Console{}, e)

	e, err = NewWithIO(config.OOBConfig{Mode: config.OOBWebSocket}, nil, nil, utils.NopLogger())
	require.NoError(t, err)
	assert.IsType(t, &WebSocket{}, e)

	_, err = NewWithIO(config.OOBConfig{Mode: "carrier-pigeon"}, nil, nil, nil)
	assert.Error(t, err)
}

func TestLoopback(t *testing.T) {
	l := NewLoopback()
	ctx := context.Background()
	want := common.Bootstrap{DomID: 4, GrantRef: 2}
	require.NoError(t, l.Publish(ctx, want))

	got, err := l.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Receive(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
