package pipe

import (
	"fmt"
	"strings"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

// Mode is the direction the local user moves data in.
type Mode int

const (
	ModeRead Mode = iota + 1
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Convention fixes which side exposes the region relative to which side
// produces data. The numeric value is stored in the meta page.
type Convention uint32

const (
	WriterOffers  Convention = 1
	WriterAccepts Convention = 2
)

func (c Convention) String() string {
	switch c {
	case WriterOffers:
		return config.ConventionWriterOffers
	case WriterAccepts:
		return config.ConventionWriterAccepts
	default:
		return fmt.Sprintf("convention(%d)", uint32(c))
	}
}

// ParseConvention accepts the config spelling of a convention.
func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case config.ConventionWriterOffers, "offers":
		return WriterOffers, nil
	case config.ConventionWriterAccepts, "accepts":
		return WriterAccepts, nil
	default:
		return 0, fmt.Errorf("unknown convention %q", s)
	}
}

// Role is which half of the region lifecycle an endpoint runs.
type Role int

const (
	RoleNone Role = iota
	RoleExposer
	RoleConsumer
)

func (r Role) String() string {
	switch r {
	case RoleExposer:
		return "exposer"
	case RoleConsumer:
		return "consumer"
	default:
		return "none"
	}
}

// RoleFor derives the role from the local mode and the convention: the
// writer exposes under WriterOffers, the reader under WriterAccepts.
func RoleFor(mode Mode, conv Convention) Role {
	writerExposes := conv == WriterOffers
	if (mode == ModeWrite) == writerExposes {
		return RoleExposer
	}
	return RoleConsumer
}

// owner maps a role and mode to the meta fields this endpoint may store.
func owner(role Role, mode Mode) sab.RegionOwner {
	var o sab.RegionOwner
	if role == RoleExposer {
		o |= sab.OwnerExposer
	} else {
		o |= sab.OwnerConsumer
	}
	if mode == ModeWrite {
		o |= sab.OwnerProducer
	} else {
		o |= sab.OwnerDrainer
	}
	return o
}

// State is the connection state.
type State int32

const (
	StateOpened State = iota
	StateExposer
	StateConsumer
	StateConnected
	StateHalfClosed
	StateClosed
	StateFailed
)

var stateNames = [...]string{
	StateOpened:     "opened",
	StateExposer:    "exposer",
	StateConsumer:   "consumer",
	StateConnected:  "connected",
	StateHalfClosed: "half_closed",
	StateClosed:     "closed",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
