//go:build unix

package sab

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedMemoryProvider uses a memory-mapped file for shared access.
type SharedMemoryProvider struct {
	flatMemory
	path string
	file *os.File
}

// SharedMemoryOptions configures shared memory creation/opening.
type SharedMemoryOptions struct {
	Path   string
	Size   uint32
	Create bool
}

// DefaultSharedMemoryPath returns the default shared memory path.
func DefaultSharedMemoryPath() string {
	if _, err := os.Stat("/dev/shm"); err == nil {
		return "/dev/shm/xenshm_host"
	}
	return filepath.Join(os.TempDir(), "xenshm_host")
}

// OpenSharedMemory opens or creates a shared memory mapping. Creating an
// existing file keeps its contents when it already has the requested size.
func OpenSharedMemory(opts SharedMemoryOptions) (*SharedMemoryProvider, error) {
	if opts.Path == "" {
		return nil, errors.New("shared memory path required")
	}

	path := filepath.Clean(opts.Path)
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}

	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}

	if opts.Create && info.Size() != int64(opts.Size) {
		if opts.Size == 0 {
			_ = file.Close()
			return nil, errors.New("shared memory size required when creating")
		}
		if info.Size() != 0 {
			_ = file.Close()
			return nil, fmt.Errorf("shared memory file %s has size %d, want %d", path, info.Size(), opts.Size)
		}
		if err := file.Truncate(int64(opts.Size)); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("truncate shared memory file: %w", err)
		}
		info, err = file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("stat shared memory file: %w", err)
		}
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, errors.New("shared memory file has zero size")
	}
	size := int(info.Size())

	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &SharedMemoryProvider{
		flatMemory: flatMemory{data: data},
		path:       path,
		file:       file,
	}, nil
}

// Path returns the backing file.
func (s *SharedMemoryProvider) Path() string {
	return s.path
}

func (s *SharedMemoryProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}
