package sab

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrFieldNotWritable is returned when a side stores a field it does not own.
var ErrFieldNotWritable = errors.New("meta field not writable by this endpoint")

// MetaHeader is the decoded, static part of a meta page.
type MetaHeader struct {
	Magic        uint32
	Version      uint32
	PagesCount   uint32 // payload pages + 1
	DoorbellPort uint32
	Convention   uint32
	PageSize     uint32
	GrantRefs    []uint32 // payload refs, len == PagesCount-1
}

// PayloadPages returns the number of ring pages the header describes.
func (h MetaHeader) PayloadPages() int {
	if h.PagesCount == 0 {
		return 0
	}
	return int(h.PagesCount) - 1
}

// Meta reads and writes a meta page on behalf of one endpoint. Stores are
// checked against the field policy for that endpoint's identity.
type Meta struct {
	mem   MemoryProvider
	owner RegionOwner
}

// NewMeta wraps the meta page memory.
func NewMeta(mem MemoryProvider, owner RegionOwner) (*Meta, error) {
	if mem.Size() < SIZE_META_HEADER {
		return nil, fmt.Errorf("meta page of %d bytes is smaller than header: %w", mem.Size(), ErrOutOfBounds)
	}
	return &Meta{mem: mem, owner: owner}, nil
}

// Memory returns the underlying page.
func (m *Meta) Memory() MemoryProvider {
	return m.mem
}

// Owner returns the identity stores are checked against.
func (m *Meta) Owner() RegionOwner {
	return m.owner
}

func (m *Meta) store(field MetaField, val uint32) error {
	policy := PolicyFor(field)
	if !policy.AllowsWrite(m.owner) {
		return fmt.Errorf("%s by %s: %w", field, m.owner, ErrFieldNotWritable)
	}
	return m.mem.AtomicStore32(policy.Offset, val)
}

func (m *Meta) load(field MetaField) (uint32, error) {
	return m.mem.AtomicLoad32(PolicyFor(field).Offset)
}

// Publish writes a complete header. The page is cleared first and the magic
// is stored last, so a reader that sees the magic sees every other field.
func (m *Meta) Publish(h MetaHeader) error {
	if !PolicyFor(FieldMagic).AllowsWrite(m.owner) {
		return fmt.Errorf("publish by %s: %w", m.owner, ErrFieldNotWritable)
	}
	if len(h.GrantRefs) > META_MAX_GRANT_REFS {
		return fmt.Errorf("%d grant refs exceed meta capacity %d", len(h.GrantRefs), META_MAX_GRANT_REFS)
	}
	if h.PagesCount != uint32(len(h.GrantRefs))+1 {
		return fmt.Errorf("pages_count %d does not match %d grant refs", h.PagesCount, len(h.GrantRefs))
	}

	if err := m.mem.WriteAt(0, make([]byte, SIZE_META_HEADER)); err != nil {
		return err
	}

	refs := make([]byte, SIZE_META_GRANT_REFS)
	for i, ref := range h.GrantRefs {
		binary.LittleEndian.PutUint32(refs[i*4:], ref)
	}
	if err := m.mem.WriteAt(OFFSET_META_GRANT_REFS, refs); err != nil {
		return err
	}

	pageSize := h.PageSize
	if pageSize == 0 {
		pageSize = PAGE_SIZE
	}
	version := h.Version
	if version == 0 {
		version = META_VERSION_VALUE
	}
	fields := []struct {
		field MetaField
		val   uint32
	}{
		{FieldVersion, version},
		{FieldPagesCount, h.PagesCount},
		{FieldDoorbellPort, h.DoorbellPort},
		{FieldConvention, h.Convention},
		{FieldPageSize, pageSize},
	}
	for _, f := range fields {
		if err := m.store(f.field, f.val); err != nil {
			return err
		}
	}

	magic := h.Magic
	if magic == 0 {
		magic = META_MAGIC_VALUE
	}
	return m.store(FieldMagic, magic)
}

// Header decodes the static fields. Grant refs are read for the advertised
// page count, clamped to the meta capacity.
func (m *Meta) Header() (MetaHeader, error) {
	var h MetaHeader
	var err error

	if h.Magic, err = m.load(FieldMagic); err != nil {
		return h, err
	}
	if h.Version, err = m.load(FieldVersion); err != nil {
		return h, err
	}
	if h.PagesCount, err = m.load(FieldPagesCount); err != nil {
		return h, err
	}
	if h.DoorbellPort, err = m.load(FieldDoorbellPort); err != nil {
		return h, err
	}
	if h.Convention, err = m.load(FieldConvention); err != nil {
		return h, err
	}
	if h.PageSize, err = m.load(FieldPageSize); err != nil {
		return h, err
	}

	n := h.PayloadPages()
	if n > META_MAX_GRANT_REFS {
		n = META_MAX_GRANT_REFS
	}
	raw := make([]byte, n*4)
	if err := m.mem.ReadAt(OFFSET_META_GRANT_REFS, raw); err != nil {
		return h, err
	}
	h.GrantRefs = make([]uint32, n)
	for i := range h.GrantRefs {
		h.GrantRefs[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return h, nil
}

// SetOffererClosed marks the exposer as closed.
func (m *Meta) SetOffererClosed() error {
	return m.store(FieldOffererClosed, 1)
}

// SetReceiverClosed marks the consumer as closed. Only valid after the
// consumer has unmapped every payload page.
func (m *Meta) SetReceiverClosed() error {
	return m.store(FieldReceiverClosed, 1)
}

// OffererClosed reports the exposer's close flag.
func (m *Meta) OffererClosed() (bool, error) {
	v, err := m.load(FieldOffererClosed)
	return v != 0, err
}

// ReceiverClosed reports the consumer's close flag.
func (m *Meta) ReceiverClosed() (bool, error) {
	v, err := m.load(FieldReceiverClosed)
	return v != 0, err
}

// PeerClosed reports the close flag written by the other side.
func (m *Meta) PeerClosed() (bool, error) {
	if m.owner&OwnerExposer != 0 {
		return m.ReceiverClosed()
	}
	return m.OffererClosed()
}
