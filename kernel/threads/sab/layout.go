package sab

// Shared layout constants.
// The meta page layout is the only wire contract between two endpoints,
// which may run different builds. Never reorder fields; add new ones at
// unused offsets and bump META_VERSION_VALUE.

const (
	PAGE_SIZE       = 4096
	SIZE_CACHE_LINE = 64

	// ========== META PAGE (first page of every region) ==========
	META_MAGIC_VALUE   = 0x58534D50 // "XSMP"
	META_VERSION_VALUE = 1

	OFFSET_META_MAGIC           = 0x000
	OFFSET_META_VERSION         = 0x004
	OFFSET_META_OFFERER_CLOSED  = 0x008
	OFFSET_META_RECEIVER_CLOSED = 0x00C
	OFFSET_META_PAGES_COUNT     = 0x010 // payload pages + the meta page
	OFFSET_META_DOORBELL_PORT   = 0x014
	OFFSET_META_CONVENTION      = 0x018
	OFFSET_META_PAGE_SIZE       = 0x01C

	// Payload grant refs; the meta page's own ref travels out of band.
	OFFSET_META_GRANT_REFS = 0x020
	META_MAX_GRANT_REFS    = 15
	SIZE_META_GRANT_REFS   = META_MAX_GRANT_REFS * 4 // ends at 0x05C

	// Ring cursors, each alone on its cache line.
	OFFSET_META_WRITE_CURSOR = 0x080
	OFFSET_META_READ_CURSOR  = 0x0C0

	SIZE_META_HEADER = 0x100

	// Region bounds: 1..15 payload pages plus the meta page.
	MIN_PAYLOAD_PAGES = 1
	MAX_PAYLOAD_PAGES = META_MAX_GRANT_REFS
	MAX_REGION_PAGES  = MAX_PAYLOAD_PAGES + 1

	// ========== EMULATED HOST (one file shared by every domain) ==========
	HOST_MAGIC_VALUE      = 0x48534D58 // "XMSH"
	HOST_MAGIC_FORMATTING = 0x464D5458 // set while the first attacher formats
	HOST_VERSION_VALUE    = 1

	OFFSET_HOST_MAGIC             = 0x000
	OFFSET_HOST_VERSION           = 0x004
	OFFSET_HOST_MAX_DOMAINS       = 0x008
	OFFSET_HOST_FRAMES_PER_DOMAIN = 0x00C
	OFFSET_HOST_PORTS_PER_DOMAIN  = 0x010
	OFFSET_HOST_GRANTS_PER_DOMAIN = 0x014
	OFFSET_HOST_DOMAIN_TABLE_SIZE = 0x018
	OFFSET_HOST_FRAMES_BASE       = 0x01C
	OFFSET_HOST_ATTACHED          = 0x040 // one word per domain: attach count

	// Domain tables start on the second page of the host.
	OFFSET_HOST_TABLES = PAGE_SIZE

	// Grant entry: [flags, remote domid, frame, map count]
	GRANT_ENTRY_SIZE         = 16
	GRANT_ENTRY_FLAGS        = 0x0
	GRANT_ENTRY_REMOTE       = 0x4
	GRANT_ENTRY_FRAME        = 0x8
	GRANT_ENTRY_MAP_COUNT    = 0xC
	GRANT_FLAG_FREE          = 0
	GRANT_FLAG_RESERVED      = 1
	GRANT_FLAG_PERMIT_ACCESS = 2
	GRANT_FLAG_REVOKING      = 3

	// Event channel entry: [state, remote domid, remote port, epoch]
	PORT_ENTRY_SIZE        = 16
	PORT_ENTRY_STATE       = 0x0
	PORT_ENTRY_REMOTE_DOM  = 0x4
	PORT_ENTRY_REMOTE_PORT = 0x8
	PORT_ENTRY_EPOCH       = 0xC
	PORT_STATE_FREE        = 0
	PORT_STATE_RESERVED    = 1
	PORT_STATE_UNBOUND     = 2
	PORT_STATE_INTERDOMAIN = 3
	PORT_STATE_CLOSED_PEER = 4 // bound peer closed its end
)

// AlignUp rounds n up to a multiple of align (a power of two).
func AlignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// RingCapacity returns the byte capacity of a ring over payloadPages pages.
func RingCapacity(payloadPages int) uint32 {
	return uint32(payloadPages) * PAGE_SIZE
}
