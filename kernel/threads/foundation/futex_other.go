//go:build !linux

package foundation

import (
	"sync/atomic"
	"time"
)

// Without futexes the waiter polls the word.
const futexPollInterval = 200 * time.Microsecond

func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for atomic.LoadUint32(addr) == val {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errFutexTimeout
		}
		if remaining > futexPollInterval {
			remaining = futexPollInterval
		}
		time.Sleep(remaining)
	}
	return nil
}

func futexWake(addr *uint32, n int) (int, error) {
	return 0, nil
}
