package sab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetaPair(t *testing.T) (*Meta, *Meta) {
	t.Helper()
	page := NewInMemoryProvider(PAGE_SIZE)
	exposer, err := NewMeta(page, OwnerExposer|OwnerProducer)
	require.NoError(t, err)
	consumer, err := NewMeta(page, OwnerConsumer|OwnerDrainer)
	require.NoError(t, err)
	return exposer, consumer
}

func TestMeta_PublishAndDecode(t *testing.T) {
	exposer, consumer := newMetaPair(t)

	require.NoError(t, exposer.Publish(MetaHeader{
		PagesCount:   3,
		DoorbellPort: 9,
		Convention:   1,
		GrantRefs:    []uint32{11, 12},
	}))

	h, err := consumer.Header()
	require.NoError(t, err)
	assert.Equal(t, uint32(META_MAGIC_VALUE), h.Magic)
	assert.Equal(t, uint32(META_VERSION_VALUE), h.Version)
	assert.Equal(t, uint32(PAGE_SIZE), h.PageSize)
	assert.Equal(t, uint32(9), h.DoorbellPort)
	assert.Equal(t, []uint32{11, 12}, h.GrantRefs)
	assert.Equal(t, 2, h.PayloadPages())

	assert.NoError(t, ValidateHeader(h, HeaderExpectations{PayloadPages: 2, Convention: 1}))
}

func TestMeta_FieldOwnership(t *testing.T) {
	exposer, consumer := newMetaPair(t)

	assert.ErrorIs(t, exposer.SetReceiverClosed(), ErrFieldNotWritable)
	assert.ErrorIs(t, consumer.SetOffererClosed(), ErrFieldNotWritable)
	assert.ErrorIs(t, consumer.Publish(MetaHeader{PagesCount: 1}), ErrFieldNotWritable)

	require.NoError(t, consumer.SetReceiverClosed())
	closed, err := exposer.PeerClosed()
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = consumer.PeerClosed()
	require.NoError(t, err)
	assert.False(t, closed)
	require.NoError(t, exposer.SetOffererClosed())
	closed, _ = consumer.PeerClosed()
	assert.True(t, closed)
}

func TestMeta_PublishRejectsInconsistentHeader(t *testing.T) {
	exposer, _ := newMetaPair(t)

	assert.Error(t, exposer.Publish(MetaHeader{PagesCount: 2, GrantRefs: []uint32{1, 2}}))
	assert.Error(t, exposer.Publish(MetaHeader{PagesCount: 17, GrantRefs: make([]uint32, 16)}))
}

func TestValidateHeader_Mismatch(t *testing.T) {
	exposer, consumer := newMetaPair(t)
	require.NoError(t, exposer.Publish(MetaHeader{PagesCount: 3, Convention: 1, GrantRefs: []uint32{5, 6}}))

	h, err := consumer.Header()
	require.NoError(t, err)

	err = ValidateHeader(h, HeaderExpectations{PayloadPages: 1, Convention: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidHeader))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.True(t, verr.Has(ViolationPagesMismatch))
	assert.True(t, verr.Has(ViolationConvention))
	assert.False(t, verr.Has(ViolationBadMagic))
}

func TestValidateHeader_UnpublishedPage(t *testing.T) {
	_, consumer := newMetaPair(t)

	h, err := consumer.Header()
	require.NoError(t, err)

	var verr *ValidationError
	require.ErrorAs(t, ValidateHeader(h, HeaderExpectations{PayloadPages: 1}), &verr)
	assert.Len(t, verr.Violations, 1)
	assert.True(t, verr.Has(ViolationBadMagic))
}

func TestValidateMetaLayout_NoOverlaps(t *testing.T) {
	v, err := ValidateMetaLayout()
	require.NoError(t, err)
	assert.Len(t, v.Regions(), len(AllFields()))
	assert.Contains(t, v.GetMemoryMap(), "write_cursor")
}

func TestLayoutValidator_RecordsViolations(t *testing.T) {
	v := NewLayoutValidator(64)
	require.NoError(t, v.RegisterRegion("a", 0, 16, "test"))
	assert.Error(t, v.RegisterRegion("b", 8, 16, "test"))
	assert.Error(t, v.RegisterRegion("c", 60, 16, "test"))

	violations := v.GetViolations()
	require.Len(t, violations, 2)
	assert.Equal(t, ViolationOverlap, violations[0].Type)
	assert.Equal(t, ViolationOutOfBounds, violations[1].Type)
}

func TestPolicyFor_CursorOwnership(t *testing.T) {
	assert.True(t, PolicyFor(FieldWriteCursor).AllowsWrite(OwnerConsumer|OwnerProducer))
	assert.False(t, PolicyFor(FieldWriteCursor).AllowsWrite(OwnerExposer|OwnerDrainer))
	assert.True(t, PolicyFor(FieldReadCursor).AllowsWrite(OwnerExposer|OwnerDrainer))
	assert.Equal(t, "consumer/producer", (OwnerConsumer | OwnerProducer).String())
}

func TestRingCapacity(t *testing.T) {
	assert.Equal(t, uint32(PAGE_SIZE), RingCapacity(MIN_PAYLOAD_PAGES))
	assert.Equal(t, uint32(MAX_PAYLOAD_PAGES*PAGE_SIZE), RingCapacity(MAX_PAYLOAD_PAGES))
	assert.Equal(t, uint32(2*PAGE_SIZE), AlignUp(PAGE_SIZE+1, PAGE_SIZE))
}
