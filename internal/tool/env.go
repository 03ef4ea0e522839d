package tool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/core/emu"
	"github.com/nmxmxh/xenshm/kernel/core/pipe"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Env is the process-wide state of one tool run: the attached host, the
// local domain view and everything that must be torn down on exit.
type Env struct {
	Config   *config.Config
	Logger   *utils.Logger
	Host     *emu.Host
	Domain   *emu.Domain
	Registry *prometheus.Registry
	Metrics  *pipe.Metrics
	Shutdown *utils.GracefulShutdown

	metricsAddr string
}

// NewLogger builds the tool logger from the log section.
func NewLogger(component string, c config.LogConfig) *utils.Logger {
	level, err := utils.ParseLevel(c.Level)
	logger := utils.NewLogger(utils.LoggerConfig{
		Level:       level,
		Component:   component,
		Development: c.Development,
	})
	if err != nil {
		logger.Warn("Falling back to info level", utils.Err(err))
	}
	return logger
}

// Setup attaches to the host file named by cfg and prepares metrics and
// shutdown hooks. The caller must run Close.
func Setup(component string, cfg *config.Config) (*Env, error) {
	logger := NewLogger(component, cfg.Log)

	host, err := emu.OpenHost(cfg.Host.Path, emu.GeometryFrom(cfg.Host), emu.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("attach host %s: %w", cfg.Host.Path, err)
	}
	return newEnv(cfg, logger, host)
}

// SetupInMemory is Setup over a private host, for single-process runs.
func SetupInMemory(component string, cfg *config.Config) (*Env, error) {
	logger := NewLogger(component, cfg.Log)

	host, err := emu.NewInMemoryHost(emu.GeometryFrom(cfg.Host), emu.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return newEnv(cfg, logger, host)
}

func newEnv(cfg *config.Config, logger *utils.Logger, host *emu.Host) (*Env, error) {
	dom, err := host.Domain(common.DomainID(cfg.Domain.LocalDomID))
	if err != nil {
		_ = host.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	e := &Env{
		Config:   cfg,
		Logger:   logger,
		Host:     host,
		Domain:   dom,
		Registry: reg,
		Metrics:  pipe.NewMetrics(reg),
		Shutdown: utils.NewGracefulShutdown(cfg.Pipe.ShutdownTimeout+time.Second, logger),
	}
	e.Shutdown.Register("host", func(context.Context) error { return host.Close() })

	if cfg.Metrics.Addr != "" {
		if err := e.serveMetrics(cfg.Metrics.Addr); err != nil {
			_ = e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *Env) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Error("Metrics server stopped", utils.Err(err))
		}
	}()
	e.metricsAddr = ln.Addr().String()
	e.Shutdown.Register("metrics", srv.Shutdown)
	e.Logger.Info("Serving metrics", utils.String("addr", e.metricsAddr))
	return nil
}

// MetricsAddr is the bound metrics address, or "" when disabled.
func (e *Env) MetricsAddr() string { return e.metricsAddr }

// NewPipe creates a pipe on the local domain. Its Free is registered as a
// shutdown hook so an interrupted run still closes the connection.
func (e *Env) NewPipe(opts ...pipe.Option) *pipe.Pipe {
	return e.newPipe(e.Domain, opts...)
}

func (e *Env) newPipe(platform pipe.Platform, opts ...pipe.Option) *pipe.Pipe {
	base := []pipe.Option{
		pipe.WithLogger(e.Logger),
		pipe.WithMetrics(e.Metrics),
		pipe.WithConfig(pipe.ConfigFrom(e.Config.Pipe)),
	}
	p := pipe.New(platform, append(base, opts...)...)
	e.Shutdown.Register(p.ID(), p.Free)
	return p
}

// PipeOn creates a pipe on another domain of the same host. Only the
// loopback tool drives two domains from one process.
func (e *Env) PipeOn(id common.DomainID, opts ...pipe.Option) (*pipe.Pipe, error) {
	dom, err := e.Host.Domain(id)
	if err != nil {
		return nil, err
	}
	return e.newPipe(dom, opts...), nil
}

// Close runs every shutdown hook, newest first.
func (e *Env) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.Config.Pipe.ShutdownTimeout+time.Second)
	defer cancel()
	err := e.Shutdown.Shutdown(ctx)
	_ = e.Logger.Sync()
	return err
}

// SignalContext is canceled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
