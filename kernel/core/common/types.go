package common

import "fmt"

// DomainID identifies a domain (virtual machine) under the hypervisor.
type DomainID uint16

// GrantRef names one entry of a domain's grant table.
type GrantRef uint32

// Frame is a physical page frame number, global across domains.
type Frame uint32

// Port is an event-channel port local to one domain.
type Port uint32

// InvalidGrantRef is never handed out; a zero ref in the meta page means "missing".
const InvalidGrantRef GrantRef = 0

// InvalidPort is never handed out.
const InvalidPort Port = 0

func (d DomainID) String() string { return fmt.Sprintf("dom%d", uint16(d)) }

// Bootstrap is what the exposer hands to the consumer out of band.
type Bootstrap struct {
	DomID    DomainID `json:"domid"`
	GrantRef GrantRef `json:"gref"`
}

func (b Bootstrap) String() string {
	return fmt.Sprintf("domid=%d gref=%d", b.DomID, b.GrantRef)
}

// MapHandle identifies one foreign mapping held by the local domain.
type MapHandle uint32
