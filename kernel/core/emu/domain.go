package emu

import (
	"fmt"
	"sync"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

type mapping struct {
	remote common.DomainID
	ref    common.GrantRef
	frame  common.Frame
}

// Domain is one domain's view of the host: the frames it owns, its grant
// table, the foreign pages it maps and its event channels.
type Domain struct {
	host   *Host
	id     common.DomainID
	logger *utils.Logger

	mu         sync.Mutex
	mappings   map[common.MapHandle]mapping
	nextHandle common.MapHandle
	ports      map[common.Port]*portWaiter
}

func newDomain(h *Host, id common.DomainID) *Domain {
	return &Domain{
		host:       h,
		id:         id,
		logger:     h.logger.Named(id.String()),
		mappings:   make(map[common.MapHandle]mapping),
		nextHandle: 1,
		ports:      make(map[common.Port]*portWaiter),
	}
}

// LocalDomID returns the domain id.
func (d *Domain) LocalDomID() common.DomainID {
	return d.id
}

// ========== FRAMES ==========

// FrameCount returns the number of frames the domain owns.
func (d *Domain) FrameCount() uint32 {
	return d.host.geo.FramesPerDomain
}

// FirstFrame returns the global number of the domain's first frame.
func (d *Domain) FirstFrame() common.Frame {
	return common.Frame(uint32(d.id) * d.host.geo.FramesPerDomain)
}

func (d *Domain) owns(f common.Frame) bool {
	return f >= d.FirstFrame() && uint32(f-d.FirstFrame()) < d.FrameCount()
}

// Page returns the memory of a frame the domain owns.
func (d *Domain) Page(f common.Frame) ([]byte, error) {
	if !d.owns(f) {
		return nil, fmt.Errorf("frame %d not owned by %s: %w", f, d.id, common.ErrPermissionDenied)
	}
	return d.host.framePage(f)
}

// ========== GRANT TABLE ==========

// GrantAccess lets remote map frame read/write.
func (d *Domain) GrantAccess(remote common.DomainID, frame common.Frame) (common.GrantRef, error) {
	mem := d.host.mem
	if uint32(remote) >= d.host.geo.MaxDomains {
		return 0, fmt.Errorf("grant to %s: %w", remote, common.ErrInvalidDomain)
	}
	if !d.owns(frame) {
		return 0, fmt.Errorf("grant frame %d not owned by %s: %w", frame, d.id, common.ErrPermissionDenied)
	}

	for ref := common.GrantRef(1); uint32(ref) < d.host.geo.GrantsPerDomain(); ref++ {
		entry, _ := d.host.grantEntry(d.id, ref)
		claimed, err := mem.AtomicCAS32(entry+sab.GRANT_ENTRY_FLAGS, sab.GRANT_FLAG_FREE, sab.GRANT_FLAG_RESERVED)
		if err != nil {
			return 0, err
		}
		if !claimed {
			continue
		}
		if err := mem.AtomicStore32(entry+sab.GRANT_ENTRY_REMOTE, uint32(remote)); err != nil {
			return 0, err
		}
		if err := mem.AtomicStore32(entry+sab.GRANT_ENTRY_FRAME, uint32(frame)); err != nil {
			return 0, err
		}
		if err := mem.AtomicStore32(entry+sab.GRANT_ENTRY_FLAGS, sab.GRANT_FLAG_PERMIT_ACCESS); err != nil {
			return 0, err
		}
		d.logger.Debug("Grant issued",
			utils.Uint32("ref", uint32(ref)),
			utils.Uint32("frame", uint32(frame)),
			utils.String("remote", remote.String()),
		)
		return ref, nil
	}
	return 0, fmt.Errorf("grant table of %s full: %w", d.id, common.ErrOutOfMemory)
}

// QueryAccess reports whether the remote domain still maps ref.
func (d *Domain) QueryAccess(ref common.GrantRef) (bool, error) {
	entry, err := d.host.grantEntry(d.id, ref)
	if err != nil {
		return false, err
	}
	flags, err := d.host.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FLAGS)
	if err != nil {
		return false, err
	}
	if flags != sab.GRANT_FLAG_PERMIT_ACCESS && flags != sab.GRANT_FLAG_REVOKING {
		return false, fmt.Errorf("query ref %d: %w", ref, common.ErrInvalidReference)
	}
	maps, err := d.host.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_MAP_COUNT)
	if err != nil {
		return false, err
	}
	return maps != 0, nil
}

// EndAccess revokes ref. It fails with common.ErrGrantInUse while the
// remote domain still maps the page, leaving the grant intact.
func (d *Domain) EndAccess(ref common.GrantRef) error {
	mem := d.host.mem
	entry, err := d.host.grantEntry(d.id, ref)
	if err != nil {
		return err
	}

	claimed, err := mem.AtomicCAS32(entry+sab.GRANT_ENTRY_FLAGS, sab.GRANT_FLAG_PERMIT_ACCESS, sab.GRANT_FLAG_REVOKING)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("end access ref %d: %w", ref, common.ErrInvalidReference)
	}

	maps, err := mem.AtomicLoad32(entry + sab.GRANT_ENTRY_MAP_COUNT)
	if err != nil {
		return err
	}
	if maps != 0 {
		if err := mem.AtomicStore32(entry+sab.GRANT_ENTRY_FLAGS, sab.GRANT_FLAG_PERMIT_ACCESS); err != nil {
			return err
		}
		return fmt.Errorf("end access ref %d (%d mappings): %w", ref, maps, common.ErrGrantInUse)
	}

	_ = mem.AtomicStore32(entry+sab.GRANT_ENTRY_REMOTE, 0)
	_ = mem.AtomicStore32(entry+sab.GRANT_ENTRY_FRAME, 0)
	if err := mem.AtomicStore32(entry+sab.GRANT_ENTRY_FLAGS, sab.GRANT_FLAG_FREE); err != nil {
		return err
	}
	d.logger.Debug("Grant revoked", utils.Uint32("ref", uint32(ref)))
	return nil
}

// ========== FOREIGN MAPPINGS ==========

// MapGrant maps a page remote granted to this domain.
func (d *Domain) MapGrant(remote common.DomainID, ref common.GrantRef) (common.MapHandle, []byte, error) {
	mem := d.host.mem
	entry, err := d.host.grantEntry(remote, ref)
	if err != nil {
		return 0, nil, fmt.Errorf("map %s ref %d: %w", remote, ref, err)
	}

	flags, err := mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FLAGS)
	if err != nil {
		return 0, nil, err
	}
	if flags != sab.GRANT_FLAG_PERMIT_ACCESS {
		return 0, nil, fmt.Errorf("map %s ref %d: %w", remote, ref, common.ErrInvalidReference)
	}

	if _, err := mem.AtomicAdd32(entry+sab.GRANT_ENTRY_MAP_COUNT, 1); err != nil {
		return 0, nil, err
	}
	unpin := func() {
		_, _ = mem.AtomicAdd32(entry+sab.GRANT_ENTRY_MAP_COUNT, ^uint32(0))
	}

	// Recheck under the pin: a revoke that raced us either saw the pin or
	// left the entry in a state we reject here.
	flags, _ = mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FLAGS)
	grantee, _ := mem.AtomicLoad32(entry + sab.GRANT_ENTRY_REMOTE)
	frame, _ := mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FRAME)
	if flags != sab.GRANT_FLAG_PERMIT_ACCESS {
		unpin()
		return 0, nil, fmt.Errorf("map %s ref %d: %w", remote, ref, common.ErrInvalidReference)
	}
	if common.DomainID(grantee) != d.id {
		unpin()
		return 0, nil, fmt.Errorf("map %s ref %d granted to dom%d: %w", remote, ref, grantee, common.ErrPermissionDenied)
	}

	page, err := d.host.framePage(common.Frame(frame))
	if err != nil {
		unpin()
		return 0, nil, err
	}

	d.mu.Lock()
	handle := d.nextHandle
	d.nextHandle++
	d.mappings[handle] = mapping{remote: remote, ref: ref, frame: common.Frame(frame)}
	d.mu.Unlock()

	return handle, page, nil
}

// UnmapGrant drops a mapping. Always safe; the page must no longer be touched.
func (d *Domain) UnmapGrant(handle common.MapHandle) error {
	d.mu.Lock()
	m, ok := d.mappings[handle]
	if ok {
		delete(d.mappings, handle)
	}
	d.mu.Unlock()

	if !ok {
		return fmt.Errorf("unmap handle %d: %w", handle, common.ErrNotMapped)
	}
	entry, err := d.host.grantEntry(m.remote, m.ref)
	if err != nil {
		return err
	}
	_, err = d.host.mem.AtomicAdd32(entry+sab.GRANT_ENTRY_MAP_COUNT, ^uint32(0))
	return err
}

// Mappings returns the number of foreign pages this process maps for the domain.
func (d *Domain) Mappings() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.mappings)
}
