//go:build unix

package sab

import (
	"path/filepath"
	"testing"
)

func TestSharedMemoryProviderVisibleAcrossMappings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host")

	a, err := OpenSharedMemory(SharedMemoryOptions{Path: path, Size: 2 * PAGE_SIZE, Create: true})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer a.Close()

	b, err := OpenSharedMemory(SharedMemoryOptions{Path: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	if err := a.AtomicStore32(PAGE_SIZE, 42); err != nil {
		t.Fatalf("store: %v", err)
	}
	if v, _ := b.AtomicLoad32(PAGE_SIZE); v != 42 {
		t.Fatalf("expected 42 through second mapping, got %d", v)
	}

	if _, err := OpenSharedMemory(SharedMemoryOptions{Path: path, Size: PAGE_SIZE, Create: true}); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}
