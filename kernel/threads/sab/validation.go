package sab

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Violation types reported by the validators.
const (
	ViolationBadMagic        = "BAD_MAGIC"
	ViolationBadVersion      = "BAD_VERSION"
	ViolationBadPageSize     = "BAD_PAGE_SIZE"
	ViolationPagesOutOfRange = "PAGES_COUNT_RANGE"
	ViolationPagesMismatch   = "PAGES_COUNT_MISMATCH"
	ViolationConvention      = "CONVENTION_MISMATCH"
	ViolationMissingRef      = "MISSING_GRANT_REF"
	ViolationOverlap         = "REGION_OVERLAP"
	ViolationOutOfBounds     = "OUT_OF_BOUNDS"
)

// ErrInvalidHeader is wrapped by every *ValidationError.
var ErrInvalidHeader = errors.New("invalid meta header")

// ValidationViolation records a validation error
type ValidationViolation struct {
	Type      string
	Message   string
	Offset    uint32
	Size      uint32
	Timestamp int64
}

// ValidationError carries every violation found in one check.
type ValidationError struct {
	Violations []ValidationViolation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Message
	}
	return "invalid meta header: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidHeader
}

// Has reports whether a violation of the given type was found.
func (e *ValidationError) Has(kind string) bool {
	for _, v := range e.Violations {
		if v.Type == kind {
			return true
		}
	}
	return false
}

// HeaderExpectations is what a consumer was configured to find.
type HeaderExpectations struct {
	PayloadPages int
	Convention   uint32
}

// ValidateHeader checks a header read by a consumer. All problems are
// reported together.
func ValidateHeader(h MetaHeader, want HeaderExpectations) error {
	var violations []ValidationViolation
	add := func(kind, format string, args ...interface{}) {
		violations = append(violations, ValidationViolation{
			Type:      kind,
			Message:   fmt.Sprintf(format, args...),
			Timestamp: time.Now().UnixNano(),
		})
	}

	if h.Magic != META_MAGIC_VALUE {
		add(ViolationBadMagic, "magic 0x%08X, want 0x%08X", h.Magic, META_MAGIC_VALUE)
		// Nothing else in an unpublished page is meaningful.
		return &ValidationError{Violations: violations}
	}
	if h.Version != META_VERSION_VALUE {
		add(ViolationBadVersion, "version %d, want %d", h.Version, META_VERSION_VALUE)
	}
	if h.PageSize != PAGE_SIZE {
		add(ViolationBadPageSize, "page size %d, want %d", h.PageSize, PAGE_SIZE)
	}
	payload := h.PayloadPages()
	if payload < MIN_PAYLOAD_PAGES || payload > MAX_PAYLOAD_PAGES {
		add(ViolationPagesOutOfRange, "pages_count %d outside [%d, %d]", h.PagesCount, MIN_PAYLOAD_PAGES+1, MAX_REGION_PAGES)
	}
	if want.PayloadPages > 0 && payload != want.PayloadPages {
		add(ViolationPagesMismatch, "pages_count %d, expected %d", h.PagesCount, want.PayloadPages+1)
	}
	if h.Convention != want.Convention {
		add(ViolationConvention, "convention %d, expected %d", h.Convention, want.Convention)
	}
	for i, ref := range h.GrantRefs {
		if ref == 0 {
			add(ViolationMissingRef, "grant_refs[%d] is empty", i)
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

// MemoryRegion is a named byte range inside a shared layout.
type MemoryRegion struct {
	Name    string
	Offset  uint32
	Size    uint32
	Purpose string
}

// LayoutValidator checks that named regions of a shared layout fit and do
// not overlap.
type LayoutValidator struct {
	regions    []MemoryRegion
	size       uint32
	mu         sync.RWMutex
	violations []ValidationViolation
}

// NewLayoutValidator creates a validator for a layout of size bytes.
func NewLayoutValidator(size uint32) *LayoutValidator {
	return &LayoutValidator{
		regions:    make([]MemoryRegion, 0),
		size:       size,
		violations: make([]ValidationViolation, 0),
	}
}

// RegisterRegion adds a region, rejecting out-of-bounds or overlapping ones.
func (v *LayoutValidator) RegisterRegion(name string, offset, size uint32, purpose string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if uint64(offset)+uint64(size) > uint64(v.size) {
		return v.recordViolation(ViolationOutOfBounds, offset, size,
			fmt.Sprintf("region %s [0x%X,+%d) exceeds layout size %d", name, offset, size, v.size))
	}

	for _, r := range v.regions {
		if regionsOverlap(offset, size, r.Offset, r.Size) {
			return v.recordViolation(ViolationOverlap, offset, size,
				fmt.Sprintf("region %s overlaps with %s", name, r.Name))
		}
	}

	v.regions = append(v.regions, MemoryRegion{
		Name:    name,
		Offset:  offset,
		Size:    size,
		Purpose: purpose,
	})
	return nil
}

// Regions returns the registered regions.
func (v *LayoutValidator) Regions() []MemoryRegion {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]MemoryRegion, len(v.regions))
	copy(out, v.regions)
	return out
}

// GetViolations returns all recorded violations
func (v *LayoutValidator) GetViolations() []ValidationViolation {
	v.mu.RLock()
	defer v.mu.RUnlock()

	violations := make([]ValidationViolation, len(v.violations))
	copy(violations, v.violations)
	return violations
}

// GetMemoryMap returns a human-readable memory map
func (v *LayoutValidator) GetMemoryMap() string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Memory Map (Size: %d bytes)\n", v.size)
	b.WriteString("================================================================\n")
	for _, r := range v.regions {
		fmt.Fprintf(&b, "%-20s | 0x%06X - 0x%06X | %8d bytes | %s\n",
			r.Name, r.Offset, r.Offset+r.Size, r.Size, r.Purpose)
	}
	b.WriteString("================================================================\n")
	return b.String()
}

// must hold lock
func (v *LayoutValidator) recordViolation(kind string, offset, size uint32, msg string) error {
	v.violations = append(v.violations, ValidationViolation{
		Type:      kind,
		Message:   msg,
		Offset:    offset,
		Size:      size,
		Timestamp: time.Now().UnixNano(),
	})
	return errors.New(msg)
}

func regionsOverlap(offset1, size1, offset2, size2 uint32) bool {
	return offset1 < offset2+size2 && offset1+size1 > offset2
}

// ValidateMetaLayout registers every meta field and fails on overlap.
func ValidateMetaLayout() (*LayoutValidator, error) {
	v := NewLayoutValidator(SIZE_META_HEADER)
	for _, f := range AllFields() {
		p := PolicyFor(f)
		if err := v.RegisterRegion(f.String(), p.Offset, p.Size, "meta"); err != nil {
			return v, err
		}
	}
	return v, nil
}
