// Package futex implements a mutex and condition variable whose entire state
// is a pair of 32-bit words, so both can be placed in memory shared between
// processes. Waiting parks on the kernel futex of the word itself.
package futex

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	unlocked  uint32 = 0
	locked    uint32 = 1
	contended uint32 = 2
)

// Mutex is a three-state futex lock. The zero value is unlocked.
type Mutex struct {
	state uint32
}

// Cond is a sequence-counter condition variable. The zero value is ready to use.
type Cond struct {
	seq     uint32
	waiters uint32
}

// Acquire locks m, parking the caller while another holder (possibly in
// another process) owns it.
func Acquire(m *Mutex) {
	if atomic.CompareAndSwapUint32(&m.state, unlocked, locked) {
		return
	}
	acquireContended(m)
}

func acquireContended(m *Mutex) {
	for atomic.SwapUint32(&m.state, contended) != unlocked {
		wait(&m.state, contended, 0)
	}
}

// TryAcquire locks m if it is free and reports whether it did.
func TryAcquire(m *Mutex) bool {
	return atomic.CompareAndSwapUint32(&m.state, unlocked, locked)
}

// Release unlocks m and wakes one parked waiter if there is any.
func Release(m *Mutex) {
	if atomic.SwapUint32(&m.state, unlocked) == contended {
		wake(&m.state, 1)
	}
}

// Held reports whether m is currently locked by anyone.
func Held(m *Mutex) bool {
	return atomic.LoadUint32(&m.state) != unlocked
}

// Wait atomically releases m and parks on c until a Signal or Broadcast.
// m is held again on return. Wakeups may be spurious; callers loop on their
// predicate.
func Wait(c *Cond, m *Mutex) {
	WaitTimeout(c, m, 0)
}

// WaitTimeout is Wait bounded by d. A non-positive d waits forever. It
// returns false if the wait timed out.
func WaitTimeout(c *Cond, m *Mutex, d time.Duration) bool {
	seq := atomic.LoadUint32(&c.seq)
	atomic.AddUint32(&c.waiters, 1)
	Release(m)

	woken := wait(&c.seq, seq, d)

	atomic.AddUint32(&c.waiters, ^uint32(0))
	// Several waiters may be released at once by a broadcast, so take the
	// lock in the contended state to keep Release waking the next one.
	acquireContended(m)
	return woken
}

// Signal wakes at most one waiter on c.
func Signal(c *Cond) {
	atomic.AddUint32(&c.seq, 1)
	if atomic.LoadUint32(&c.waiters) > 0 {
		wake(&c.seq, 1)
	}
}

// Broadcast wakes every waiter on c.
func Broadcast(c *Cond) {
	atomic.AddUint32(&c.seq, 1)
	if atomic.LoadUint32(&c.waiters) > 0 {
		wake(&c.seq, math.MaxInt32)
	}
}

// Waiters returns the number of parties currently parked on c.
func Waiters(c *Cond) uint32 {
	return atomic.LoadUint32(&c.waiters)
}
