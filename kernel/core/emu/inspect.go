package emu

import (
	"fmt"
	"io"

	"github.com/nmxmxh/xenshm/kernel/core/common"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

// GrantInfo describes one live grant entry.
type GrantInfo struct {
	Ref      common.GrantRef
	Remote   common.DomainID
	Frame    common.Frame
	Mappings uint32
	Revoking bool
}

// PortInfo describes one allocated event channel.
type PortInfo struct {
	Port       common.Port
	State      string
	Remote     common.DomainID
	RemotePort common.Port
	Epoch      uint32
}

// DomainReport is a snapshot of one domain's tables.
type DomainReport struct {
	ID       common.DomainID
	Attached uint32
	Grants   []GrantInfo
	Ports    []PortInfo
}

// PortStateName names a raw port state.
func PortStateName(state uint32) string {
	switch state {
	case sab.PORT_STATE_FREE:
		return "free"
	case sab.PORT_STATE_RESERVED:
		return "reserved"
	case sab.PORT_STATE_UNBOUND:
		return "unbound"
	case sab.PORT_STATE_INTERDOMAIN:
		return "interdomain"
	case sab.PORT_STATE_CLOSED_PEER:
		return "closed-peer"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}

// Inspect reads every domain table without attaching to any domain.
func (h *Host) Inspect() ([]DomainReport, error) {
	reports := make([]DomainReport, 0, h.geo.MaxDomains)
	for d := uint32(0); d < h.geo.MaxDomains; d++ {
		id := common.DomainID(d)
		attached, err := h.mem.AtomicLoad32(sab.OFFSET_HOST_ATTACHED + 4*d)
		if err != nil {
			return nil, err
		}
		r := DomainReport{ID: id, Attached: attached}

		for ref := common.GrantRef(1); uint32(ref) < h.geo.GrantsPerDomain(); ref++ {
			entry, _ := h.grantEntry(id, ref)
			flags, _ := h.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FLAGS)
			if flags != sab.GRANT_FLAG_PERMIT_ACCESS && flags != sab.GRANT_FLAG_REVOKING {
				continue
			}
			remote, _ := h.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_REMOTE)
			frame, _ := h.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_FRAME)
			maps, _ := h.mem.AtomicLoad32(entry + sab.GRANT_ENTRY_MAP_COUNT)
			r.Grants = append(r.Grants, GrantInfo{
				Ref:      ref,
				Remote:   common.DomainID(remote),
				Frame:    common.Frame(frame),
				Mappings: maps,
				Revoking: flags == sab.GRANT_FLAG_REVOKING,
			})
		}

		for port := common.Port(1); uint32(port) < h.geo.PortsPerDomain; port++ {
			entry, _ := h.portEntry(id, port)
			state, _ := h.mem.AtomicLoad32(entry + sab.PORT_ENTRY_STATE)
			if state == sab.PORT_STATE_FREE {
				continue
			}
			remote, _ := h.mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_DOM)
			remotePort, _ := h.mem.AtomicLoad32(entry + sab.PORT_ENTRY_REMOTE_PORT)
			epoch, _ := h.mem.AtomicLoad32(entry + sab.PORT_ENTRY_EPOCH)
			r.Ports = append(r.Ports, PortInfo{
				Port:       port,
				State:      PortStateName(state),
				Remote:     common.DomainID(remote),
				RemotePort: common.Port(remotePort),
				Epoch:      epoch,
			})
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// WriteReport prints an Inspect snapshot, skipping idle domains.
func WriteReport(w io.Writer, reports []DomainReport) {
	for _, r := range reports {
		if r.Attached == 0 && len(r.Grants) == 0 && len(r.Ports) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s attached=%d grants=%d ports=%d\n", r.ID, r.Attached, len(r.Grants), len(r.Ports))
		for _, g := range r.Grants {
			fmt.Fprintf(w, "  gref %-4d -> %-5s frame=%-6d maps=%d revoking=%t\n",
				g.Ref, g.Remote, g.Frame, g.Mappings, g.Revoking)
		}
		for _, p := range r.Ports {
			fmt.Fprintf(w, "  port %-4d %-12s peer=%s:%d epoch=%d\n",
				p.Port, p.State, p.Remote, p.RemotePort, p.Epoch)
		}
	}
}
