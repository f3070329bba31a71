//go:build !linux

package futex

import (
	"sync/atomic"
	"time"
)

const pollInterval = 50 * time.Microsecond

// Without a futex syscall the word is polled; good enough for development
// builds, the service itself only runs on linux.
func wait(addr *uint32, val uint32, d time.Duration) bool {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for atomic.LoadUint32(addr) == val {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
	return true
}

func wake(addr *uint32, n int) {}
