package emu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// Host is an emulated hypervisor. All of its state (grant tables, event
// channels, page frames) lives in one shared memory provider, so several
// processes attaching the same file behave as domains of one machine.
type Host struct {
	mem    sab.MemoryProvider
	slicer sab.Slicer
	geo    Geometry
	logger *utils.Logger
	owned  bool

	mu      sync.Mutex
	domains map[common.DomainID]*Domain
	closed  bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(logger *utils.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// attachTimeout bounds how long an attacher waits for another process to
// finish formatting the host.
const attachTimeout = 5 * time.Second

// NewHost attaches to host memory, formatting it if this is the first
// attacher. mem must be a single contiguous mapping.
func NewHost(mem sab.MemoryProvider, geo Geometry, opts ...HostOption) (*Host, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	slicer, ok := mem.(sab.Slicer)
	if !ok {
		return nil, errors.New("host memory must be contiguous")
	}
	if mem.Size() < geo.HostSize() {
		return nil, fmt.Errorf("host memory of %d bytes, geometry needs %d", mem.Size(), geo.HostSize())
	}

	h := &Host{
		mem:     mem,
		slicer:  slicer,
		geo:     geo,
		domains: make(map[common.DomainID]*Domain),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = utils.DefaultLogger("emu")
	}

	if err := h.attach(); err != nil {
		return nil, err
	}
	return h, nil
}

// NewInMemoryHost creates a private host, for tests and single-process use.
func NewInMemoryHost(geo Geometry, opts ...HostOption) (*Host, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	h, err := NewHost(sab.NewInMemoryProvider(geo.HostSize()), geo, opts...)
	if err != nil {
		return nil, err
	}
	h.owned = true
	return h, nil
}

// OpenHost maps (creating if needed) the host file at path.
func OpenHost(path string, geo Geometry, opts ...HostOption) (*Host, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	mem, err := sab.OpenSharedMemory(sab.SharedMemoryOptions{
		Path:   path,
		Size:   geo.HostSize(),
		Create: true,
	})
	if err != nil {
		return nil, err
	}
	h, err := NewHost(mem, geo, opts...)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}
	h.owned = true
	return h, nil
}

func (h *Host) attach() error {
	formatted, err := h.mem.AtomicCAS32(sab.OFFSET_HOST_MAGIC, 0, sab.HOST_MAGIC_FORMATTING)
	if err != nil {
		return err
	}
	if formatted {
		if err := h.format(); err != nil {
			return err
		}
		h.logger.Info("Host formatted",
			utils.Uint32("domains", h.geo.MaxDomains),
			utils.Uint32("frames_per_domain", h.geo.FramesPerDomain),
			utils.Uint32("size", h.geo.HostSize()),
		)
		return nil
	}

	deadline := time.Now().Add(attachTimeout)
	for {
		magic, err := h.mem.AtomicLoad32(sab.OFFSET_HOST_MAGIC)
		if err != nil {
			return err
		}
		if magic == sab.HOST_MAGIC_VALUE {
			break
		}
		if magic != sab.HOST_MAGIC_FORMATTING {
			return fmt.Errorf("host memory has unknown magic 0x%08X", magic)
		}
		if time.Now().After(deadline) {
			return utils.TimeoutError("waiting for host format")
		}
		time.Sleep(time.Millisecond)
	}
	return h.checkGeometry()
}

func (h *Host) format() error {
	tables := h.geo.FramesBase() - sab.OFFSET_HOST_TABLES
	if err := h.mem.WriteAt(sab.OFFSET_HOST_TABLES, make([]byte, tables)); err != nil {
		return err
	}
	fields := []struct {
		offset uint32
		val    uint32
	}{
		{sab.OFFSET_HOST_VERSION, sab.HOST_VERSION_VALUE},
		{sab.OFFSET_HOST_MAX_DOMAINS, h.geo.MaxDomains},
		{sab.OFFSET_HOST_FRAMES_PER_DOMAIN, h.geo.FramesPerDomain},
		{sab.OFFSET_HOST_PORTS_PER_DOMAIN, h.geo.PortsPerDomain},
		{sab.OFFSET_HOST_GRANTS_PER_DOMAIN, h.geo.GrantsPerDomain()},
		{sab.OFFSET_HOST_DOMAIN_TABLE_SIZE, h.geo.DomainTableSize()},
		{sab.OFFSET_HOST_FRAMES_BASE, h.geo.FramesBase()},
	}
	for _, f := range fields {
		if err := h.mem.AtomicStore32(f.offset, f.val); err != nil {
			return err
		}
	}
	return h.mem.AtomicStore32(sab.OFFSET_HOST_MAGIC, sab.HOST_MAGIC_VALUE)
}

func (h *Host) checkGeometry() error {
	want := map[uint32]uint32{
		sab.OFFSET_HOST_VERSION:           sab.HOST_VERSION_VALUE,
		sab.OFFSET_HOST_MAX_DOMAINS:       h.geo.MaxDomains,
		sab.OFFSET_HOST_FRAMES_PER_DOMAIN: h.geo.FramesPerDomain,
		sab.OFFSET_HOST_PORTS_PER_DOMAIN:  h.geo.PortsPerDomain,
	}
	for offset, val := range want {
		got, err := h.mem.AtomicLoad32(offset)
		if err != nil {
			return err
		}
		if got != val {
			return fmt.Errorf("host geometry mismatch at 0x%X: have %d, want %d", offset, got, val)
		}
	}
	return nil
}

// Geometry returns the host shape.
func (h *Host) Geometry() Geometry {
	return h.geo
}

// Domain returns the view of domain id. Views are cached per process.
func (h *Host) Domain(id common.DomainID) (*Domain, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("host closed")
	}
	if uint32(id) >= h.geo.MaxDomains {
		return nil, fmt.Errorf("%s: %w", id, common.ErrInvalidDomain)
	}
	if d, ok := h.domains[id]; ok {
		return d, nil
	}

	if _, err := h.mem.AtomicAdd32(sab.OFFSET_HOST_ATTACHED+4*uint32(id), 1); err != nil {
		return nil, err
	}
	d := newDomain(h, id)
	h.domains[id] = d
	return d, nil
}

// Close detaches every domain view and, for hosts it opened, unmaps the memory.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for id := range h.domains {
		_, _ = h.mem.AtomicAdd32(sab.OFFSET_HOST_ATTACHED+4*uint32(id), ^uint32(0))
	}
	h.domains = nil
	if h.owned {
		return h.mem.Close()
	}
	return nil
}

func (h *Host) framePage(f common.Frame) ([]byte, error) {
	if uint32(f) >= h.geo.MaxDomains*h.geo.FramesPerDomain {
		return nil, fmt.Errorf("frame %d outside host", f)
	}
	return h.slicer.Slice(h.geo.FramesBase()+uint32(f)*sab.PAGE_SIZE, sab.PAGE_SIZE)
}

func (h *Host) grantEntry(d common.DomainID, ref common.GrantRef) (uint32, error) {
	if uint32(d) >= h.geo.MaxDomains {
		return 0, common.ErrInvalidDomain
	}
	if ref == common.InvalidGrantRef || uint32(ref) >= h.geo.GrantsPerDomain() {
		return 0, common.ErrInvalidReference
	}
	return h.geo.grantTable(uint32(d)) + uint32(ref)*sab.GRANT_ENTRY_SIZE, nil
}

func (h *Host) portEntry(d common.DomainID, port common.Port) (uint32, error) {
	if uint32(d) >= h.geo.MaxDomains {
		return 0, common.ErrInvalidDomain
	}
	if port == common.InvalidPort || uint32(port) >= h.geo.PortsPerDomain {
		return 0, common.ErrInvalidPort
	}
	return h.geo.portTable(uint32(d)) + uint32(port)*sab.PORT_ENTRY_SIZE, nil
}
