package sab

import "testing"

func TestInMemoryProviderReadWrite(t *testing.T) {
	provider := NewInMemoryProvider(64)
	defer provider.Close()

	data := []byte{1, 2, 3, 4, 5}
	if err := provider.WriteAt(8, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	read := make([]byte, len(data))
	if err := provider.ReadAt(8, read); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	for i, v := range data {
		if read[i] != v {
			t.Fatalf("unexpected byte at %d: %d != %d", i, read[i], v)
		}
	}
}

func TestInMemoryProviderAtomic(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if err := provider.AtomicStore32(4, 10); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	val, err := provider.AtomicLoad32(4)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if val != 10 {
		t.Fatalf("expected 10, got %d", val)
	}
	newVal, err := provider.AtomicAdd32(4, 5)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if newVal != 15 {
		t.Fatalf("expected 15, got %d", newVal)
	}
	swapped, err := provider.AtomicCAS32(4, 14, 1)
	if err != nil || swapped {
		t.Fatalf("expected failed CAS, got swapped=%v err=%v", swapped, err)
	}
	swapped, err = provider.AtomicCAS32(4, 15, 1)
	if err != nil || !swapped {
		t.Fatalf("expected CAS to swap, got swapped=%v err=%v", swapped, err)
	}
}

func TestInMemoryProviderMisaligned(t *testing.T) {
	provider := NewInMemoryProvider(16)
	defer provider.Close()

	if _, err := provider.AtomicLoad32(2); err != ErrMisaligned {
		t.Fatalf("expected misaligned error, got %v", err)
	}
}

func TestInMemoryProviderBounds(t *testing.T) {
	provider := NewInMemoryProvider(16)

	if err := provider.WriteAt(0xFFFFFFFF, []byte{1, 2}); err != ErrOutOfBounds {
		t.Fatalf("expected out of bounds on wrapping offset, got %v", err)
	}
	if _, err := provider.AtomicLoad32(16); err != ErrOutOfBounds {
		t.Fatalf("expected out of bounds, got %v", err)
	}

	provider.Close()
	if err := provider.ReadAt(0, make([]byte, 1)); err != ErrClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
}

func TestPagedProviderCrossesPages(t *testing.T) {
	first := NewInMemoryProvider(PAGE_SIZE)
	second := NewInMemoryProvider(PAGE_SIZE)
	p1, _ := first.Slice(0, PAGE_SIZE)
	p2, _ := second.Slice(0, PAGE_SIZE)

	closed := 0
	paged, err := NewPagedProvider([][]byte{p1, p2}, func() error {
		closed++
		return nil
	})
	if err != nil {
		t.Fatalf("paged provider: %v", err)
	}
	if paged.Size() != 2*PAGE_SIZE {
		t.Fatalf("unexpected size %d", paged.Size())
	}

	data := []byte("straddles the page boundary")
	offset := uint32(PAGE_SIZE - 5)
	if err := paged.WriteAt(offset, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	read := make([]byte, len(data))
	if err := paged.ReadAt(offset, read); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(read) != string(data) {
		t.Fatalf("got %q, want %q", read, data)
	}
	if p2[0] != data[5] {
		t.Fatalf("second page not written: %q", p2[:4])
	}

	if err := paged.AtomicStore32(PAGE_SIZE+8, 7); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if v, _ := second.AtomicLoad32(8); v != 7 {
		t.Fatalf("atomic store not visible through backing page: %d", v)
	}

	if _, err := paged.Slice(PAGE_SIZE-2, 4); err == nil {
		t.Fatalf("expected error for slice across pages")
	}

	paged.Close()
	paged.Close()
	if closed != 1 {
		t.Fatalf("onClose ran %d times", closed)
	}
}
