//go:build linux

package futex

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Shared (non-private) operations, so waiters in other processes mapping the
// same page are matched on the physical word.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

// wait parks while *addr == val. It returns false only when d elapsed.
func wait(addr *uint32, val uint32, d time.Duration) bool {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}

	for {
		var ts *unix.Timespec
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			t := unix.NsecToTimespec(int64(remaining))
			ts = &t
		}

		_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
			uintptr(unsafe.Pointer(addr)), futexWaitOp, uintptr(val),
			uintptr(unsafe.Pointer(ts)), 0, 0)

		switch errno {
		case unix.ETIMEDOUT:
			return false
		case unix.EINTR:
			// Interrupted by a signal (the Go runtime preempts with SIGURG).
			if atomic.LoadUint32(addr) == val {
				continue
			}
		}
		return true
	}
}

func wake(addr *uint32, n int) {
	unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), futexWakeOp, uintptr(n), 0, 0, 0)
}
