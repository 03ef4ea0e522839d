package emu

import (
	"fmt"

	"github.com/nmxmxh/xenshm/kernel/config"
	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

// Geometry fixes the shape of the host memory. Every attacher must agree.
type Geometry struct {
	MaxDomains      uint32
	FramesPerDomain uint32
	PortsPerDomain  uint32
}

// DefaultGeometry matches the config defaults.
func DefaultGeometry() Geometry {
	return Geometry{MaxDomains: 8, FramesPerDomain: 256, PortsPerDomain: 64}
}

// GeometryFrom reads the host section of the process config.
func GeometryFrom(c config.HostConfig) Geometry {
	return Geometry{
		MaxDomains:      c.MaxDomains,
		FramesPerDomain: c.FramesPerDomain,
		PortsPerDomain:  c.PortsPerDomain,
	}
}

// GrantsPerDomain is one entry per frame plus the reserved ref 0.
func (g Geometry) GrantsPerDomain() uint32 {
	return g.FramesPerDomain + 1
}

// DomainTableSize is the page-aligned size of one domain's grant and port tables.
func (g Geometry) DomainTableSize() uint32 {
	return sab.AlignUp(g.GrantsPerDomain()*sab.GRANT_ENTRY_SIZE+g.PortsPerDomain*sab.PORT_ENTRY_SIZE, sab.PAGE_SIZE)
}

// FramesBase is the offset of frame 0.
func (g Geometry) FramesBase() uint32 {
	return sab.OFFSET_HOST_TABLES + g.MaxDomains*g.DomainTableSize()
}

// HostSize is the total number of bytes the host memory must provide.
func (g Geometry) HostSize() uint32 {
	return g.FramesBase() + g.MaxDomains*g.FramesPerDomain*sab.PAGE_SIZE
}

func (g Geometry) grantTable(d uint32) uint32 {
	return sab.OFFSET_HOST_TABLES + d*g.DomainTableSize()
}

func (g Geometry) portTable(d uint32) uint32 {
	return g.grantTable(d) + g.GrantsPerDomain()*sab.GRANT_ENTRY_SIZE
}

// Validate rejects geometries that overflow the header or the 32-bit offset space.
func (g Geometry) Validate() error {
	if g.MaxDomains == 0 || g.FramesPerDomain == 0 || g.PortsPerDomain < 2 {
		return fmt.Errorf("geometry %+v: every dimension must be positive and ports >= 2", g)
	}
	if sab.OFFSET_HOST_ATTACHED+4*g.MaxDomains > sab.PAGE_SIZE {
		return fmt.Errorf("geometry %+v: %d domains do not fit the host header", g, g.MaxDomains)
	}
	total := uint64(sab.OFFSET_HOST_TABLES) +
		uint64(g.MaxDomains)*uint64(g.DomainTableSize()) +
		uint64(g.MaxDomains)*uint64(g.FramesPerDomain)*sab.PAGE_SIZE
	if total > 1<<31 {
		return fmt.Errorf("geometry %+v needs %d bytes of host memory", g, total)
	}

	v := sab.NewLayoutValidator(g.HostSize())
	if err := v.RegisterRegion("header", 0, sab.PAGE_SIZE, "host header"); err != nil {
		return err
	}
	for d := uint32(0); d < g.MaxDomains; d++ {
		if err := v.RegisterRegion(fmt.Sprintf("tables[%d]", d), g.grantTable(d), g.DomainTableSize(), "grant + port tables"); err != nil {
			return err
		}
	}
	return v.RegisterRegion("frames", g.FramesBase(), g.MaxDomains*g.FramesPerDomain*sab.PAGE_SIZE, "page frames")
}
