package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable: XENSHM_<SECTION>_<FIELD>,
// with the field name split on word boundaries (LocalDomID is LOCAL_DOM_ID).
// Fields carry no envconfig tag: a tag adds an unprefixed fallback ($PATH).
const Prefix = "XENSHM"

const (
	ConventionWriterOffers  = "writer_offers"
	ConventionWriterAccepts = "writer_accepts"

	OOBConsole   = "console"
	OOBWebSocket = "websocket"

	// MaxPayloadPages is bounded by the grant_refs array of the meta page.
	MaxPayloadPages = 15
)

// Config holds all configuration of a pipe endpoint process.
type Config struct {
	Domain  DomainConfig
	Pipe    PipeConfig
	Host    HostConfig
	OOB     OOBConfig
	Log     LogConfig
	Metrics MetricsConfig
	Tool    ToolConfig
}

// DomainConfig identifies the local domain.
type DomainConfig struct {
	LocalDomID uint16 `split_words:"true" default:"0"`
}

// PipeConfig holds the connection parameters.
type PipeConfig struct {
	PageCount        int           `split_words:"true" default:"1"`
	Convention       string        `split_words:"true" default:"writer_offers"`
	WaitTimeout      time.Duration `split_words:"true" default:"5s"`
	HandshakeTimeout time.Duration `split_words:"true" default:"30s"`
	ShutdownTimeout  time.Duration `split_words:"true" default:"10s"`
	RevokePoll       time.Duration `split_words:"true" default:"10ms"`
}

// HostConfig describes the emulated hypervisor memory shared by all domains.
type HostConfig struct {
	Path            string `split_words:"true" default:"/dev/shm/xenshm_host"`
	MaxDomains      uint32 `split_words:"true" default:"8"`
	FramesPerDomain uint32 `split_words:"true" default:"256"`
	PortsPerDomain  uint32 `split_words:"true" default:"64"`
}

// OOBConfig selects how the bootstrap values travel between endpoints.
type OOBConfig struct {
	Mode        string        `split_words:"true" default:"console"`
	ListenAddr  string        `split_words:"true" default:"127.0.0.1:7450"`
	URL         string        `split_words:"true" default:"ws://127.0.0.1:7450/bootstrap"`
	DialTimeout time.Duration `split_words:"true" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `split_words:"true" default:"info"`
	Development bool   `split_words:"true" default:"true"`
}

// MetricsConfig holds the prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `split_words:"true" default:""`
}

// ToolConfig drives the writer/reader tools.
type ToolConfig struct {
	RemoteDomID int  `split_words:"true" default:"-1"`
	Bytes       int  `split_words:"true" default:"10000"`
	ChunkSize   int  `split_words:"true" default:"512"`
	Compress    bool `split_words:"true" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Pipe: PipeConfig{
			PageCount:        1,
			Convention:       ConventionWriterOffers,
			WaitTimeout:      5 * time.Second,
			HandshakeTimeout: 30 * time.Second,
			ShutdownTimeout:  10 * time.Second,
			RevokePoll:       10 * time.Millisecond,
		},
		Host: HostConfig{
			Path:            "/dev/shm/xenshm_host",
			MaxDomains:      8,
			FramesPerDomain: 256,
			PortsPerDomain:  64,
		},
		OOB: OOBConfig{
			Mode:        OOBConsole,
			ListenAddr:  "127.0.0.1:7450",
			URL:         "ws://127.0.0.1:7450/bootstrap",
			DialTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:       "info",
			Development: true,
		},
		Tool: ToolConfig{
			RemoteDomID: -1,
			Bytes:       10000,
			ChunkSize:   512,
		},
	}
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	if c.Pipe.PageCount < 1 || c.Pipe.PageCount > MaxPayloadPages {
		return fmt.Errorf("pipe page count %d out of range [1, %d]", c.Pipe.PageCount, MaxPayloadPages)
	}
	switch c.Pipe.Convention {
	case ConventionWriterOffers, ConventionWriterAccepts:
	default:
		return fmt.Errorf("unknown pipe convention %q", c.Pipe.Convention)
	}
	switch c.OOB.Mode {
	case OOBConsole, OOBWebSocket:
	default:
		return fmt.Errorf("unknown oob mode %q", c.OOB.Mode)
	}
	if c.Host.MaxDomains == 0 || c.Host.FramesPerDomain == 0 || c.Host.PortsPerDomain == 0 {
		return fmt.Errorf("host geometry must be non-zero")
	}
	if uint32(c.Domain.LocalDomID) >= c.Host.MaxDomains {
		return fmt.Errorf("local domid %d exceeds host max domains %d", c.Domain.LocalDomID, c.Host.MaxDomains)
	}
	if c.Pipe.WaitTimeout <= 0 || c.Pipe.HandshakeTimeout <= 0 || c.Pipe.ShutdownTimeout <= 0 {
		return fmt.Errorf("pipe timeouts must be positive")
	}
	if c.Tool.ChunkSize <= 0 {
		return fmt.Errorf("tool chunk size must be positive")
	}
	return nil
}
