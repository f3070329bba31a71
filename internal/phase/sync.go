// Package phase keeps the mutator and the collector lock-stepped through a
// collection cycle.
//
// Only the collector advances the phase. The mutator acknowledges the phases
// it must take part in (the root snapshot safepoints) and waits for cycles to
// complete. Both sides wait on the same futex condition.
package phase

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fizous/gcaas/internal/futex"
)

var (
	// ErrOutOfOrder is returned by Advance for anything but the successor
	// of the current phase.
	ErrOutOfOrder = errors.New("phase advanced out of order")

	// ErrShutdown is returned by waits that observed POST_FINISH.
	ErrShutdown = errors.New("collector shut down")

	// ErrTimeout is returned by waits that gave up.
	ErrTimeout = errors.New("phase wait timed out")
)

// Sync is the shared phase state. It is placed in the shared region by the
// heap descriptor; the zero value is NONE with no cycle run yet.
type Sync struct {
	lock futex.Mutex
	cond futex.Cond

	phase     uint32
	ack       uint32
	started   uint32
	completed uint32
}

// Size is the number of bytes a Sync occupies in shared memory.
const Size = uint64(unsafe.Sizeof(Sync{}))

func (s *Sync) Current() Phase {
	return Phase(atomic.LoadUint32(&s.phase))
}

// Started returns the number of cycles begun.
func (s *Sync) Started() uint32 {
	return atomic.LoadUint32(&s.started)
}

// Completed returns the number of cycles that reached FINISH.
func (s *Sync) Completed() uint32 {
	return atomic.LoadUint32(&s.completed)
}

// Acked returns the last phase the mutator acknowledged in this cycle.
func (s *Sync) Acked() Phase {
	return Phase(atomic.LoadUint32(&s.ack))
}

// Advance moves the phase to next, which must be the successor of the
// current phase. Entering PRE_INIT starts a new cycle and clears the
// mutator's acknowledgement; entering FINISH completes it.
func (s *Sync) Advance(next Phase) error {
	futex.Acquire(&s.lock)
	defer futex.Release(&s.lock)

	cur := s.Current()
	if cur == PostFinish {
		return fmt.Errorf("advance to %s: %w", next, ErrShutdown)
	}
	if next != cur.Next() || next == PostFinish {
		return fmt.Errorf("advance from %s to %s: %w", cur, next, ErrOutOfOrder)
	}

	switch next {
	case PreInit:
		atomic.StoreUint32(&s.ack, uint32(None))
		atomic.AddUint32(&s.started, 1)
	case Finish:
		atomic.AddUint32(&s.completed, 1)
	}
	atomic.StoreUint32(&s.phase, uint32(next))
	futex.Broadcast(&s.cond)
	return nil
}

// ResetIfFinished returns the phase to NONE if the current cycle is at FINISH.
// Either side may call it.
func (s *Sync) ResetIfFinished() bool {
	futex.Acquire(&s.lock)
	defer futex.Release(&s.lock)

	if s.Current() != Finish {
		return false
	}
	atomic.StoreUint32(&s.phase, uint32(None))
	futex.Broadcast(&s.cond)
	return true
}

// Shutdown moves to POST_FINISH from any phase and wakes every waiter.
func (s *Sync) Shutdown() {
	futex.Acquire(&s.lock)
	defer futex.Release(&s.lock)

	atomic.StoreUint32(&s.phase, uint32(PostFinish))
	futex.Broadcast(&s.cond)
}

// Ack records that the mutator has reached phase p.
func (s *Sync) Ack(p Phase) {
	futex.Acquire(&s.lock)
	defer futex.Release(&s.lock)

	atomic.StoreUint32(&s.ack, uint32(p))
	futex.Broadcast(&s.cond)
}

// WaitFor blocks until the phase is target. d bounds the whole wait; a
// non-positive d waits forever.
func (s *Sync) WaitFor(target Phase, d time.Duration) error {
	return s.waitUntil(d, func() bool {
		return s.Current() == target
	})
}

// WaitForAck blocks until the mutator has acknowledged p.
func (s *Sync) WaitForAck(p Phase, d time.Duration) error {
	return s.waitUntil(d, func() bool {
		return s.Acked() == p
	})
}

// WaitChange blocks until the phase differs from last and returns it.
func (s *Sync) WaitChange(last Phase, d time.Duration) (Phase, error) {
	var seen Phase
	err := s.waitUntil(d, func() bool {
		seen = s.Current()
		return seen != last
	})
	return seen, err
}

// WaitCompleted blocks until at least n cycles have reached FINISH.
func (s *Sync) WaitCompleted(n uint32, d time.Duration) error {
	return s.waitUntil(d, func() bool {
		return s.Completed() >= n
	})
}

// waitUntil evaluates done under the lock. POST_FINISH ends every wait with
// ErrShutdown unless done already holds.
func (s *Sync) waitUntil(d time.Duration, done func() bool) error {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}

	futex.Acquire(&s.lock)
	defer futex.Release(&s.lock)

	for {
		if done() {
			return nil
		}
		if s.Current() == PostFinish {
			return ErrShutdown
		}

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("at %s: %w", s.Current(), ErrTimeout)
			}
		}
		futex.WaitTimeout(&s.cond, &s.lock, remaining)
	}
}

func (s *Sync) String() string {
	return fmt.Sprintf("phase=%s ack=%s cycles=%d/%d", s.Current(), s.Acked(), s.Completed(), s.Started())
}
