package oob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// BootstrapPath is where the exposer serves its bootstrap.
const BootstrapPath = "/bootstrap"

const (
	dialRetry      = 100 * time.Millisecond
	breakerOpenFor = time.Second
	breakerTrips   = 3

	// Concurrent connections on the bootstrap listener.
	maxBootstrapConns = 4
)

// WebSocket is a rendezvous: the exposer serves its bootstrap on
// ListenAddr and the consumer dials URL until it gets one or DialTimeout
// runs out. Repeated dial failures open a circuit breaker so a missing
// exposer is not hammered.
type WebSocket struct {
	cfg    config.OOBConfig
	logger *utils.Logger

	upgrader websocket.Upgrader
	breaker  *gobreaker.CircuitBreaker

	mu        sync.Mutex
	bootstrap common.Bootstrap
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	srv       *http.Server
	ln        net.Listener
}

// NewWebSocket creates a websocket exchanger. Nothing listens until
// Publish.
func NewWebSocket(cfg config.OOBConfig, logger *utils.Logger) *WebSocket {
	if logger == nil {
		logger = utils.DefaultLogger("oob")
	}
	w := &WebSocket{
		cfg:    cfg,
		logger: logger.With(utils.String("oob", config.OOBWebSocket)),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  256,
			WriteBufferSize: 256,
		},
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "oob-dial",
		MaxRequests: 1,
		Timeout:     breakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTrips
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrMalformed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Debug("Dial breaker state changed",
				utils.String("from", from.String()),
				utils.String("to", to.String()))
		},
	})
	return w
}

// Handler serves the bootstrap to any websocket client, blocking each
// request until Publish has been called.
func (w *WebSocket) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(BootstrapPath, w.serveBootstrap)
	return mux
}

func (w *WebSocket) serveBootstrap(rw http.ResponseWriter, r *http.Request) {
	select {
	case <-w.ready:
	case <-w.done:
		http.Error(rw, ErrNotPublished.Error(), http.StatusServiceUnavailable)
		return
	case <-r.Context().Done():
		return
	}

	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("Websocket upgrade failed", utils.Err(err))
		return
	}
	defer conn.Close()

	w.mu.Lock()
	b := w.bootstrap
	w.mu.Unlock()

	data, err := json.Marshal(b)
	if err != nil {
		w.logger.Error("Bootstrap encode failed", utils.Err(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		w.logger.Warn("Bootstrap send failed", utils.Err(err))
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.logger.Info("Bootstrap served", utils.String("remote", r.RemoteAddr), utils.String("bootstrap", b.String()))
}

// Publish stores b and starts listening on ListenAddr if one is set.
func (w *WebSocket) Publish(_ context.Context, b common.Bootstrap) error {
	if err := validate(b); err != nil {
		return err
	}
	w.mu.Lock()
	w.bootstrap = b
	w.mu.Unlock()
	w.readyOnce.Do(func() { close(w.ready) })

	if w.cfg.ListenAddr == "" {
		return nil
	}
	return w.listen()
}

func (w *WebSocket) listen() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("oob listen %s: %w", w.cfg.ListenAddr, err)
	}
	w.ln = ln
	w.srv = &http.Server{
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func(srv *http.Server) {
		if err := srv.Serve(netutil.LimitListener(ln, maxBootstrapConns)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("Bootstrap server stopped", utils.Err(err))
		}
	}(w.srv)

	w.logger.Info("Serving bootstrap", utils.String("addr", ln.Addr().String()))
	return nil
}

// Addr is the bound listen address, or "" before Publish.
func (w *WebSocket) Addr() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}

// Receive dials URL until a bootstrap arrives or DialTimeout passes.
func (w *WebSocket) Receive(ctx context.Context) (common.Bootstrap, error) {
	if w.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.DialTimeout)
		defer cancel()
	}

	limiter := rate.NewLimiter(rate.Every(dialRetry), 1)
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return common.Bootstrap{}, fmt.Errorf("%w: %w", utils.TimeoutError("oob receive"), lastErr)
		}

		v, err := w.breaker.Execute(func() (interface{}, error) {
			return w.fetch(ctx)
		})
		if err == nil {
			b := v.(common.Bootstrap)
			w.logger.Info("Bootstrap received", utils.String("bootstrap", b.String()), utils.Int("attempts", attempt))
			return b, nil
		}
		if errors.Is(err, ErrMalformed) {
			return common.Bootstrap{}, err
		}
		if !errors.Is(err, gobreaker.ErrOpenState) {
			lastErr = err
		}
		w.logger.Debug("Bootstrap dial failed", utils.Int("attempt", attempt), utils.Err(err))
	}
}

func (w *WebSocket) fetch(ctx context.Context) (common.Bootstrap, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return common.Bootstrap{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return common.Bootstrap{}, err
	}

	var b common.Bootstrap
	if err := json.Unmarshal(data, &b); err != nil {
		return common.Bootstrap{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return b, validate(b)
}

// Close stops the server and releases handlers still waiting for Publish.
func (w *WebSocket) Close() error {
	w.doneOnce.Do(func() { close(w.done) })

	w.mu.Lock()
	srv := w.srv
	w.srv = nil
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
