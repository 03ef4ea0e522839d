// Package grant shares local regions with a remote domain and maps regions
// a remote domain shared with us.
package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/arena"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// ErrStillMapped is returned by Revoke while the grantee maps the page.
var ErrStillMapped = errors.New("grant still mapped")

// Granter is the exposer side of a grant table.
type Granter interface {
	GrantAccess(remote common.DomainID, frame common.Frame) (common.GrantRef, error)
	QueryAccess(ref common.GrantRef) (bool, error)
	EndAccess(ref common.GrantRef) error
}

// ForeignMapper is the consumer side of a grant table.
type ForeignMapper interface {
	MapGrant(remote common.DomainID, ref common.GrantRef) (common.MapHandle, []byte, error)
	UnmapGrant(handle common.MapHandle) error
}

// Manager issues and revokes grants for the exposer.
type Manager struct {
	granter Granter
	logger  *utils.Logger
}

// NewManager wraps a platform grant table.
func NewManager(granter Granter, logger *utils.Logger) *Manager {
	if logger == nil {
		logger = utils.DefaultLogger("grant")
	}
	return &Manager{granter: granter, logger: logger}
}

// Grant gives remote access to every page of region, in page order. On any
// failure the refs already issued are revoked and none are returned.
func (m *Manager) Grant(region *arena.Region, remote common.DomainID) ([]common.GrantRef, error) {
	return m.GrantFrames(region.Frames(), remote)
}

// GrantFrames is Grant over an explicit frame list.
func (m *Manager) GrantFrames(frames []common.Frame, remote common.DomainID) ([]common.GrantRef, error) {
	refs := make([]common.GrantRef, 0, len(frames))
	for _, f := range frames {
		ref, err := m.granter.GrantAccess(remote, f)
		if err != nil {
			for i := len(refs) - 1; i >= 0; i-- {
				if rerr := m.granter.EndAccess(refs[i]); rerr != nil {
					m.logger.Warn("Rollback revoke failed", utils.Uint32("ref", uint32(refs[i])), utils.Err(rerr))
				}
			}
			if !errors.Is(err, common.ErrOutOfMemory) && !errors.Is(err, common.ErrInvalidDomain) {
				err = fmt.Errorf("%w: %w", common.ErrPermissionDenied, err)
			}
			return nil, fmt.Errorf("grant frame %d to %s: %w", f, remote, err)
		}
		refs = append(refs, ref)
	}
	m.logger.Debug("Region granted", utils.Int("pages", len(refs)), utils.String("remote", remote.String()))
	return refs, nil
}

// Revoke ends access on ref unless the grantee still maps it, in which case
// it returns ErrStillMapped and the grant stays valid.
func (m *Manager) Revoke(ref common.GrantRef) error {
	inUse, err := m.granter.QueryAccess(ref)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("revoke ref %d: %w", ref, ErrStillMapped)
	}
	if err := m.granter.EndAccess(ref); err != nil {
		if errors.Is(err, common.ErrGrantInUse) {
			return fmt.Errorf("revoke ref %d: %w", ref, ErrStillMapped)
		}
		return err
	}
	return nil
}

// InUse reports whether any of refs is still mapped by the grantee.
func (m *Manager) InUse(refs []common.GrantRef) (bool, error) {
	for _, ref := range refs {
		inUse, err := m.granter.QueryAccess(ref)
		if err != nil {
			return false, err
		}
		if inUse {
			return true, nil
		}
	}
	return false, nil
}

// RevokeAll revokes every ref, polling until the grantee has unmapped each
// one or ctx ends. Refs revoked before a timeout stay revoked; the rest are
// returned so the caller can retry later.
func (m *Manager) RevokeAll(ctx context.Context, refs []common.GrantRef, poll time.Duration) ([]common.GrantRef, error) {
	if poll <= 0 {
		poll = 10 * time.Millisecond
	}
	pending := append([]common.GrantRef(nil), refs...)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		var errs error
		remaining := pending[:0]
		for _, ref := range pending {
			err := m.Revoke(ref)
			switch {
			case err == nil:
			case errors.Is(err, ErrStillMapped):
				remaining = append(remaining, ref)
			default:
				errs = multierr.Append(errs, err)
			}
		}
		pending = remaining
		if errs != nil {
			return pending, errs
		}
		if len(pending) == 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			m.logger.Warn("Revoke gave up with pages still mapped", utils.Int("pending", len(pending)))
			return pending, fmt.Errorf("%w: %w", utils.TimeoutError("revoke"), ctx.Err())
		case <-ticker.C:
		}
	}
}

// Mapper maps regions granted by remote domains.
type Mapper struct {
	mapper ForeignMapper
	logger *utils.Logger
}

// NewMapper wraps a platform foreign mapper.
func NewMapper(mapper ForeignMapper, logger *utils.Logger) *Mapper {
	if logger == nil {
		logger = utils.DefaultLogger("grant")
	}
	return &Mapper{mapper: mapper, logger: logger}
}

// LocalRegion is a set of foreign pages mapped into the local domain.
type LocalRegion struct {
	mapper  *Mapper
	remote  common.DomainID
	refs    []common.GrantRef
	handles []common.MapHandle
	mem     *sab.PagedProvider
}

// Map maps refs of remote in order. On failure every page already mapped is
// unmapped in reverse order and no region is returned.
func (m *Mapper) Map(remote common.DomainID, refs []common.GrantRef) (*LocalRegion, error) {
	if len(refs) == 0 {
		return nil, fmt.Errorf("map %s: no refs: %w", remote, common.ErrInvalidReference)
	}
	handles := make([]common.MapHandle, 0, len(refs))
	pages := make([][]byte, 0, len(refs))

	rollback := func() {
		for i := len(handles) - 1; i >= 0; i-- {
			if err := m.mapper.UnmapGrant(handles[i]); err != nil {
				m.logger.Warn("Rollback unmap failed", utils.Err(err))
			}
		}
	}

	for _, ref := range refs {
		h, page, err := m.mapper.MapGrant(remote, ref)
		if err != nil {
			rollback()
			return nil, fmt.Errorf("map %s ref %d: %w", remote, ref, err)
		}
		handles = append(handles, h)
		pages = append(pages, page)
	}

	lr := &LocalRegion{
		mapper:  m,
		remote:  remote,
		refs:    append([]common.GrantRef(nil), refs...),
		handles: handles,
	}
	mem, err := sab.NewPagedProvider(pages, nil)
	if err != nil {
		rollback()
		return nil, err
	}
	lr.mem = mem
	return lr, nil
}

// Memory returns the mapped pages as one provider.
func (r *LocalRegion) Memory() sab.MemoryProvider {
	return r.mem
}

// Refs returns the refs this region maps.
func (r *LocalRegion) Refs() []common.GrantRef {
	return r.refs
}

// Count returns the number of mapped pages.
func (r *LocalRegion) Count() int {
	return len(r.handles)
}

// Unmap releases every page. It keeps going past failures and reports all
// of them; a second call is a no-op.
func (r *LocalRegion) Unmap() error {
	if r.handles == nil {
		return nil
	}
	var errs error
	for i := len(r.handles) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, r.mapper.mapper.UnmapGrant(r.handles[i]))
	}
	r.handles = nil
	errs = multierr.Append(errs, r.mem.Close())
	return errs
}
