package sab

import "fmt"

// RegionOwner is a bitmask describing who an endpoint is with respect to a
// meta page: its handshake role and its data direction.
type RegionOwner uint32

const (
	OwnerExposer  RegionOwner = 1 << 0 // allocated and granted the region
	OwnerConsumer RegionOwner = 1 << 1 // mapped the region
	OwnerProducer RegionOwner = 1 << 2 // writes into the ring
	OwnerDrainer  RegionOwner = 1 << 3 // reads from the ring
)

// String renders the mask for logs.
func (o RegionOwner) String() string {
	role := "none"
	switch {
	case o&OwnerExposer != 0:
		role = "exposer"
	case o&OwnerConsumer != 0:
		role = "consumer"
	}
	dir := ""
	switch {
	case o&OwnerProducer != 0:
		dir = "/producer"
	case o&OwnerDrainer != 0:
		dir = "/drainer"
	}
	return role + dir
}

// AccessMode defines how a field is protected.
type AccessMode int

const (
	AccessReadOnly AccessMode = iota
	AccessSingleWriter
)

// MetaField identifies one field of the meta page.
type MetaField uint32

const (
	FieldMagic MetaField = iota
	FieldVersion
	FieldOffererClosed
	FieldReceiverClosed
	FieldPagesCount
	FieldDoorbellPort
	FieldConvention
	FieldPageSize
	FieldGrantRefs
	FieldWriteCursor
	FieldReadCursor
)

var fieldNames = [...]string{
	FieldMagic:          "magic",
	FieldVersion:        "version",
	FieldOffererClosed:  "offerer_closed",
	FieldReceiverClosed: "receiver_closed",
	FieldPagesCount:     "pages_count",
	FieldDoorbellPort:   "doorbell_port",
	FieldConvention:     "convention",
	FieldPageSize:       "page_size",
	FieldGrantRefs:      "grant_refs",
	FieldWriteCursor:    "write_cursor",
	FieldReadCursor:     "read_cursor",
}

func (f MetaField) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint32(f))
}

// FieldPolicy declares where a field lives and who may write it.
type FieldPolicy struct {
	Field      MetaField
	Offset     uint32
	Size       uint32
	Access     AccessMode
	WriterMask RegionOwner
}

// AllowsWrite reports whether an endpoint with identity owner may store the field.
func (p FieldPolicy) AllowsWrite(owner RegionOwner) bool {
	return p.Access == AccessSingleWriter && p.WriterMask&owner != 0
}

// PolicyFor returns the canonical policy for a meta field.
func PolicyFor(field MetaField) FieldPolicy {
	switch field {
	case FieldMagic:
		return exposerField(field, OFFSET_META_MAGIC, 4)
	case FieldVersion:
		return exposerField(field, OFFSET_META_VERSION, 4)
	case FieldOffererClosed:
		return exposerField(field, OFFSET_META_OFFERER_CLOSED, 4)
	case FieldReceiverClosed:
		return FieldPolicy{
			Field:      field,
			Offset:     OFFSET_META_RECEIVER_CLOSED,
			Size:       4,
			Access:     AccessSingleWriter,
			WriterMask: OwnerConsumer,
		}
	case FieldPagesCount:
		return exposerField(field, OFFSET_META_PAGES_COUNT, 4)
	case FieldDoorbellPort:
		return exposerField(field, OFFSET_META_DOORBELL_PORT, 4)
	case FieldConvention:
		return exposerField(field, OFFSET_META_CONVENTION, 4)
	case FieldPageSize:
		return exposerField(field, OFFSET_META_PAGE_SIZE, 4)
	case FieldGrantRefs:
		return exposerField(field, OFFSET_META_GRANT_REFS, SIZE_META_GRANT_REFS)
	case FieldWriteCursor:
		return FieldPolicy{
			Field:      field,
			Offset:     OFFSET_META_WRITE_CURSOR,
			Size:       4,
			Access:     AccessSingleWriter,
			WriterMask: OwnerProducer,
		}
	case FieldReadCursor:
		return FieldPolicy{
			Field:      field,
			Offset:     OFFSET_META_READ_CURSOR,
			Size:       4,
			Access:     AccessSingleWriter,
			WriterMask: OwnerDrainer,
		}
	default:
		return FieldPolicy{Field: field, Access: AccessReadOnly}
	}
}

func exposerField(field MetaField, offset, size uint32) FieldPolicy {
	return FieldPolicy{
		Field:      field,
		Offset:     offset,
		Size:       size,
		Access:     AccessSingleWriter,
		WriterMask: OwnerExposer,
	}
}

// AllFields lists every meta field in layout order.
func AllFields() []MetaField {
	fields := make([]MetaField, 0, len(fieldNames))
	for f := range fieldNames {
		fields = append(fields, MetaField(f))
	}
	return fields
}
