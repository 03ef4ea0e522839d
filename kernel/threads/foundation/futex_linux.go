//go:build linux

package foundation

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) futex ops: the word may live in a MAP_SHARED mapping
// waited on from another process.
const (
	futexWaitOp = 0 // FUTEX_WAIT
	futexWakeOp = 1 // FUTEX_WAKE
)

// futexWaitTimeout blocks while *addr == val, for at most timeout.
// Spurious returns are normal; callers recheck their condition.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	if timeout <= 0 {
		return errFutexTimeout
	}

	ts := unix.NsecToTimespec(int64(timeout))
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWaitOp,
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)

	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errFutexTimeout
	default:
		return fmt.Errorf("futex wait failed: %w", errno)
	}
}

// futexWake wakes up to n waiters on addr and returns how many woke.
func futexWake(addr *uint32, n int) (int, error) {
	r1, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		futexWakeOp,
		uintptr(n),
		0,
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("futex wake failed: %w", errno)
	}
	return int(r1), nil
}
