package testutil

import (
	"encoding/binary"

	"github.com/nmxmxh/xenshm/kernel/threads/sab"
)

// MetaPageBuilder writes meta pages byte by byte, bypassing the field
// policy, so tests can present a consumer with pages no honest exposer
// would publish.
type MetaPageBuilder struct {
	page []byte
}

// NewMetaPageBuilder starts from a well-formed header for payloadPages
// pages with refs 1..payloadPages.
func NewMetaPageBuilder(payloadPages int, convention uint32) *MetaPageBuilder {
	m := &MetaPageBuilder{page: make([]byte, sab.PAGE_SIZE)}
	m.put(sab.OFFSET_META_MAGIC, sab.META_MAGIC_VALUE)
	m.put(sab.OFFSET_META_VERSION, sab.META_VERSION_VALUE)
	m.put(sab.OFFSET_META_PAGES_COUNT, uint32(payloadPages+1))
	m.put(sab.OFFSET_META_DOORBELL_PORT, 1)
	m.put(sab.OFFSET_META_CONVENTION, convention)
	m.put(sab.OFFSET_META_PAGE_SIZE, sab.PAGE_SIZE)
	for i := 0; i < payloadPages && i < sab.META_MAX_GRANT_REFS; i++ {
		m.put(sab.OFFSET_META_GRANT_REFS+uint32(i)*4, uint32(i+1))
	}
	return m
}

func (m *MetaPageBuilder) put(offset uint32, val uint32) {
	binary.LittleEndian.PutUint32(m.page[offset:], val)
}

// Magic overwrites the magic word; zero makes the page look unpublished.
func (m *MetaPageBuilder) Magic(v uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_MAGIC, v)
	return m
}

// Version overwrites the layout version.
func (m *MetaPageBuilder) Version(v uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_VERSION, v)
	return m
}

// PagesCount overwrites pages_count without touching the refs.
func (m *MetaPageBuilder) PagesCount(v uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_PAGES_COUNT, v)
	return m
}

// PageSize overwrites the advertised page size.
func (m *MetaPageBuilder) PageSize(v uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_PAGE_SIZE, v)
	return m
}

// GrantRef sets payload ref i.
func (m *MetaPageBuilder) GrantRef(i int, ref uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_GRANT_REFS+uint32(i)*4, ref)
	return m
}

// Closed raises the offerer_closed and/or receiver_closed flags.
func (m *MetaPageBuilder) Closed(offerer, receiver bool) *MetaPageBuilder {
	if offerer {
		m.put(sab.OFFSET_META_OFFERER_CLOSED, 1)
	}
	if receiver {
		m.put(sab.OFFSET_META_RECEIVER_CLOSED, 1)
	}
	return m
}

// Cursors sets the ring cursors.
func (m *MetaPageBuilder) Cursors(write, read uint32) *MetaPageBuilder {
	m.put(sab.OFFSET_META_WRITE_CURSOR, write)
	m.put(sab.OFFSET_META_READ_CURSOR, read)
	return m
}

// Bytes returns a copy of the page.
func (m *MetaPageBuilder) Bytes() []byte {
	out := make([]byte, len(m.page))
	copy(out, m.page)
	return out
}

// Build copies the page into a fresh in-memory provider.
func (m *MetaPageBuilder) Build() *sab.InMemoryProvider {
	mem := sab.NewInMemoryProvider(sab.PAGE_SIZE)
	_ = mem.WriteAt(0, m.page)
	return mem
}
