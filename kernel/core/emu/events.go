package emu

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/foundation"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
	"github.com/nmxmxh/xenshm/kernel/utils"
)

// portWaiter keeps the last epoch observed on a local port, so a
// notification delivered while nobody waits is seen by the next wait.
type portWaiter struct {
	epoch *foundation.EnhancedEpoch
}

func (d *Domain) allocPort(remote common.DomainID, remotePort common.Port, state uint32) (common.Port, error) {
	mem := d.host.mem
	for port := common.Port(1); uint32(port) < d.host.geo.PortsPerDomain; port++ {
		entry, _ := d.host.portEntry(d.id, port)
		claimed, err := mem.AtomicCAS32(entry+sab.PORT_ENTRY_STATE, sab.PORT_STATE_FREE, sab.PORT_STATE_RESERVED)
		if err != nil {
			return 0, err
		}
		if !claimed {
			continue
		}
		_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_REMOTE_DOM, uint32(remote))
		_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_REMOTE_PORT, uint32(remotePort))

		epoch, err := foundation.NewEnhancedEpoch(mem, entry+sab.PORT_ENTRY_EPOCH)
		if err != nil {
			_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_STATE, sab.PORT_STATE_FREE)
			return 0, err
		}
		d.mu.Lock()
		d.ports[port] = &portWaiter{epoch: epoch}
		d.mu.Unlock()

		if err := mem.AtomicStore32(entry+sab.PORT_ENTRY_STATE, state); err != nil {
			return 0, err
		}
		return port, nil
	}
	return 0, fmt.Errorf("event channel table of %s full: %w", d.id, common.ErrOutOfMemory)
}

// AllocUnbound reserves a local port that remote may bind to.
func (d *Domain) AllocUnbound(remote common.DomainID) (common.Port, error) {
	if uint32(remote) >= d.host.geo.MaxDomains {
		return 0, fmt.Errorf("alloc unbound for %s: %w", remote, common.ErrInvalidDomain)
	}
	port, err := d.allocPort(remote, common.InvalidPort, sab.PORT_STATE_UNBOUND)
	if err != nil {
		return 0, err
	}
	d.logger.Debug("Event channel allocated", utils.Uint32("port", uint32(port)), utils.String("remote", remote.String()))
	return port, nil
}

// BindInterdomain connects a new local port to remote's unbound remotePort.
func (d *Domain) BindInterdomain(remote common.DomainID, remotePort common.Port) (common.Port, error) {
	mem := d.host.mem
	peer, err := d.host.portEntry(remote, remotePort)
	if err != nil {
		return 0, fmt.Errorf("bind %s:%d: %w", remote, remotePort, err)
	}

	state, _ := mem.AtomicLoad32(peer + sab.PORT_ENTRY_STATE)
	allowed, _ := mem.AtomicLoad32(peer + sab.PORT_ENTRY_REMOTE_DOM)
	if state != sab.PORT_STATE_UNBOUND {
		return 0, fmt.Errorf("bind %s:%d in state %d: %w", remote, remotePort, state, common.ErrInvalidPort)
	}
	if common.DomainID(allowed) != d.id {
		return 0, fmt.Errorf("bind %s:%d reserved for dom%d: %w", remote, remotePort, allowed, common.ErrPermissionDenied)
	}

	local, err := d.allocPort(remote, remotePort, sab.PORT_STATE_RESERVED)
	if err != nil {
		return 0, err
	}
	localEntry, _ := d.host.portEntry(d.id, local)

	// Claim the peer end; losing the race means someone else bound it.
	claimed, err := mem.AtomicCAS32(peer+sab.PORT_ENTRY_STATE, sab.PORT_STATE_UNBOUND, sab.PORT_STATE_RESERVED)
	if err != nil || !claimed {
		d.freePort(local, localEntry)
		if err == nil {
			err = fmt.Errorf("bind %s:%d lost race: %w", remote, remotePort, common.ErrInvalidPort)
		}
		return 0, err
	}
	_ = mem.AtomicStore32(peer+sab.PORT_ENTRY_REMOTE_PORT, uint32(local))
	_ = mem.AtomicStore32(peer+sab.PORT_ENTRY_STATE, sab.PORT_STATE_INTERDOMAIN)
	_ = mem.AtomicStore32(localEntry+sab.PORT_ENTRY_STATE, sab.PORT_STATE_INTERDOMAIN)

	d.logger.Debug("Event channel bound",
		utils.Uint32("port", uint32(local)),
		utils.String("remote", remote.String()),
		utils.Uint32("remote_port", uint32(remotePort)),
	)
	return local, nil
}

// Notify raises an event on the peer of a bound local port. Notifying an
// unbound or peer-closed port is a no-op.
func (d *Domain) Notify(local common.Port) error {
	mem := d.host.mem
	entry, err := d.host.portEntry(d.id, local)
	if err != nil {
		return err
	}
	state, err := mem.AtomicLoad32(entry + sab.PORT_ENTRY_STATE)
	if err != nil {
		return err
	}
	switch state {
	case sab.PORT_STATE_INTERDOMAIN:
	case sab.PORT_STATE_UNBOUND, sab.PORT_STATE_CLOSED_PEER:
		return nil
	default:
		return fmt.Errorf("notify port %d in state %d: %w", local, state, common.ErrInvalidPort)
	}

	remote, _ := mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_DOM)
	remotePort, _ := mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_PORT)
	peer, err := d.host.portEntry(common.DomainID(remote), common.Port(remotePort))
	if err != nil {
		return err
	}
	return d.kick(peer)
}

func (d *Domain) kick(peerEntry uint32) error {
	epoch, err := foundation.NewEnhancedEpoch(d.host.mem, peerEntry+sab.PORT_ENTRY_EPOCH)
	if err != nil {
		return err
	}
	_, err = epoch.Increment()
	return err
}

// Wait blocks until an event arrives on local, the timeout passes (false,
// nil) or ctx ends (false, ctx.Err()). Events raised since the previous
// wait are delivered immediately, collapsed into one.
func (d *Domain) Wait(ctx context.Context, local common.Port, timeout time.Duration) (bool, error) {
	d.mu.Lock()
	w, ok := d.ports[local]
	d.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("wait on port %d: %w", local, common.ErrInvalidPort)
	}
	return w.epoch.WaitForChange(ctx, timeout)
}

// Close releases local. A bound peer is told via a final event and its
// port moves to the peer-closed state.
func (d *Domain) Close(local common.Port) error {
	mem := d.host.mem
	entry, err := d.host.portEntry(d.id, local)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, ok := d.ports[local]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("close port %d: %w", local, common.ErrInvalidPort)
	}

	state, _ := mem.AtomicLoad32(entry + sab.PORT_ENTRY_STATE)
	if state == sab.PORT_STATE_INTERDOMAIN {
		remote, _ := mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_DOM)
		remotePort, _ := mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_PORT)
		if peer, err := d.host.portEntry(common.DomainID(remote), common.Port(remotePort)); err == nil {
			peerBack, _ := mem.AtomicLoad32(peer + sab.PORT_ENTRY_REMOTE_PORT)
			if common.Port(peerBack) == local {
				_, _ = mem.AtomicCAS32(peer+sab.PORT_ENTRY_STATE, sab.PORT_STATE_INTERDOMAIN, sab.PORT_STATE_CLOSED_PEER)
				_ = d.kick(peer)
			}
		}
	}

	d.freePort(local, entry)
	d.logger.Debug("Event channel closed", utils.Uint32("port", uint32(local)))
	return nil
}

func (d *Domain) freePort(local common.Port, entry uint32) {
	d.mu.Lock()
	delete(d.ports, local)
	d.mu.Unlock()

	mem := d.host.mem
	_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_REMOTE_DOM, 0)
	_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_REMOTE_PORT, 0)
	_ = mem.AtomicStore32(entry+sab.PORT_ENTRY_STATE, sab.PORT_STATE_FREE)
}

// PortState returns the raw state of a local port.
func (d *Domain) PortState(local common.Port) (uint32, error) {
	entry, err := d.host.portEntry(d.id, local)
	if err != nil {
		return 0, err
	}
	return d.host.mem.AtomicLoad32(entry + sab.PORT_ENTRY_STATE)
}
