// Package request implements the bounded ring through which a mutator asks
// the collector daemon for work.
//
// The ring lives in shared memory and is guarded by its own futex mutex and
// condition. Producers block while the ring is full. The consumer works one
// request at a time from head: it marks the slot STARTED, does the work, then
// completes it and advances head.
package request

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fizous/gcaas/internal/futex"
	"github.com/fizous/gcaas/internal/shm"
)

var (
	// ErrClosed is returned once the ring is closed.
	ErrClosed = errors.New("request ring closed")

	// ErrTimeout is returned by waits that gave up.
	ErrTimeout = errors.New("request wait timed out")

	// ErrCorrupt means a slot was found in a status its position does not
	// allow. Producer and consumer disagree about the ring.
	ErrCorrupt = errors.New("request ring corrupt")
)

type header struct {
	lock futex.Mutex
	cond futex.Cond

	closed    uint32
	head      uint32
	tail      uint32
	queued    uint32
	available uint32
	capacity  uint32
	_         uint32
	seq       uint64
}

const (
	headerSize = uint64(unsafe.Sizeof(header{}))
	slotSize   = uint64(unsafe.Sizeof(Slot{}))
)

// Ring is a fixed-capacity circular buffer of slots.
type Ring struct {
	hdr   *header
	slots []Slot
}

// New creates a ring private to this process.
func New(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("invalid ring capacity: %d", capacity)
	}
	r := &Ring{hdr: &header{}, slots: make([]Slot, capacity)}
	r.hdr.capacity = uint32(capacity)
	r.hdr.available = uint32(capacity)
	return r, nil
}

// NewShared carves a ring out of region and returns its offset.
func NewShared(region *shm.Region, capacity int) (*Ring, uint64, error) {
	if capacity <= 0 {
		return nil, 0, fmt.Errorf("invalid ring capacity: %d", capacity)
	}
	off, err := region.AllocRecord(headerSize + uint64(capacity)*slotSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to allocate request ring: %w", err)
	}
	r := overlay(region, off, capacity)
	futex.Acquire(&r.hdr.lock)
	r.hdr.capacity = uint32(capacity)
	r.hdr.available = uint32(capacity)
	futex.Release(&r.hdr.lock)
	return r, off, nil
}

// Open attaches to a ring created by NewShared in another mapping of region.
func Open(region *shm.Region, off uint64) (*Ring, error) {
	if off == 0 || off+headerSize > region.Size() {
		return nil, fmt.Errorf("request ring: bad offset %d", off)
	}
	hdr := (*header)(region.Pointer(off))
	capacity := atomic.LoadUint32(&hdr.capacity)
	if capacity == 0 || off+headerSize+uint64(capacity)*slotSize > region.Size() {
		return nil, fmt.Errorf("request ring: capacity %d does not fit region", capacity)
	}
	return overlay(region, off, int(capacity)), nil
}

func overlay(region *shm.Region, off uint64, capacity int) *Ring {
	return &Ring{
		hdr:   (*header)(region.Pointer(off)),
		slots: unsafe.Slice((*Slot)(region.Pointer(off+headerSize)), capacity),
	}
}

func (r *Ring) Capacity() int {
	return int(atomic.LoadUint32(&r.hdr.capacity))
}

// Queued returns the number of NEW or STARTED slots.
func (r *Ring) Queued() int {
	return int(atomic.LoadUint32(&r.hdr.queued))
}

// Available returns the number of free slots.
func (r *Ring) Available() int {
	return int(atomic.LoadUint32(&r.hdr.available))
}

func (r *Ring) Closed() bool {
	return atomic.LoadUint32(&r.hdr.closed) != 0
}

// Submit queues a request and returns a ticket for WaitComplete. It blocks
// while the ring is full.
func (r *Ring) Submit(pid uint32, typ Type, data uint64) (Ticket, error) {
	return r.submit(pid, typ, data, 0)
}

// SubmitDetached queues a request whose result nobody will collect.
func (r *Ring) SubmitDetached(pid uint32, typ Type, data uint64) (Ticket, error) {
	return r.submit(pid, typ, data, FlagDetached)
}

func (r *Ring) submit(pid uint32, typ Type, data uint64, flags uint32) (Ticket, error) {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	for {
		if r.Closed() {
			return Ticket{}, ErrClosed
		}
		if atomic.LoadUint32(&h.queued) < h.capacity && r.slotStatus(h.tail) == StatusNone {
			break
		}
		futex.Wait(&h.cond, &h.lock)
	}

	idx := h.tail
	seq := atomic.AddUint64(&h.seq, 1)
	s := &r.slots[idx]
	s.ProcessID = pid
	s.Type = typ
	s.Flags = flags
	s.Seq = seq
	s.Data = data
	s.Result = 0
	atomic.StoreUint32((*uint32)(&s.Status), uint32(StatusNew))

	atomic.StoreUint32(&h.tail, (idx+1)%h.capacity)
	atomic.AddUint32(&h.queued, 1)
	atomic.AddUint32(&h.available, ^uint32(0))
	futex.Broadcast(&h.cond)
	return Ticket{Index: idx, Seq: seq}, nil
}

// WaitPending blocks until the slot at head is NEW. It returns ErrClosed once
// the ring is closed and ErrTimeout if d elapses first.
func (r *Ring) WaitPending(d time.Duration) error {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)
	return r.waitLocked(d, func() bool {
		return r.slotStatus(atomic.LoadUint32(&h.head)) == StatusNew
	})
}

// Peek returns the request at head if it is waiting to be consumed.
func (r *Ring) Peek() (Request, bool) {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	idx := atomic.LoadUint32(&h.head)
	if r.slotStatus(idx) != StatusNew {
		return Request{}, false
	}
	return r.snapshot(idx), true
}

// Consume takes the request at head and marks it STARTED.
func (r *Ring) Consume(d time.Duration) (Request, error) {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	err := r.waitLocked(d, func() bool {
		return r.slotStatus(atomic.LoadUint32(&h.head)) == StatusNew
	})
	if err != nil {
		return Request{}, err
	}

	idx := atomic.LoadUint32(&h.head)
	r.setStatus(idx, StatusStarted)
	futex.Broadcast(&h.cond)
	return r.snapshot(idx), nil
}

// Complete finishes the STARTED request at head with result, advances head
// and wakes producers.
func (r *Ring) Complete(req Request, result uint64) error {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	idx := atomic.LoadUint32(&h.head)
	s := &r.slots[idx]
	if idx != req.Index || s.Seq != req.Seq || r.slotStatus(idx) != StatusStarted {
		return fmt.Errorf("complete %s: head slot %d is %s #%d: %w", req, idx, r.slotStatus(idx), s.Seq, ErrCorrupt)
	}

	s.Result = result
	if s.Flags&FlagDetached != 0 {
		r.setStatus(idx, StatusNone)
		atomic.AddUint32(&h.available, 1)
	} else {
		r.setStatus(idx, StatusComplete)
	}
	atomic.StoreUint32(&h.head, (idx+1)%h.capacity)
	atomic.AddUint32(&h.queued, ^uint32(0))
	futex.Broadcast(&h.cond)
	return nil
}

// WaitComplete blocks until the request behind t is COMPLETE, takes its
// result and frees the slot.
func (r *Ring) WaitComplete(t Ticket, d time.Duration) (uint64, error) {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	if int(t.Index) >= len(r.slots) || r.slots[t.Index].Seq != t.Seq {
		return 0, fmt.Errorf("ticket %d/%d does not match its slot: %w", t.Index, t.Seq, ErrCorrupt)
	}
	err := r.waitLocked(d, func() bool {
		return r.slotStatus(t.Index) == StatusComplete
	})
	if err != nil {
		return 0, err
	}

	result := r.slots[t.Index].Result
	r.setStatus(t.Index, StatusNone)
	atomic.AddUint32(&h.available, 1)
	futex.Broadcast(&h.cond)
	return result, nil
}

// Abandon gives up the result of t. A request still NEW or STARTED is
// detached so the consumer frees its slot on Complete; a COMPLETE slot is
// freed now. A ticket whose slot was already reaped is ignored.
func (r *Ring) Abandon(t Ticket) {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	if int(t.Index) >= len(r.slots) || r.slots[t.Index].Seq != t.Seq {
		return
	}
	switch r.slotStatus(t.Index) {
	case StatusNew, StatusStarted:
		r.slots[t.Index].Flags |= FlagDetached
	case StatusComplete:
		r.setStatus(t.Index, StatusNone)
		atomic.AddUint32(&h.available, 1)
		futex.Broadcast(&h.cond)
	}
}

// Close wakes every waiter; later submits and consumes fail with ErrClosed.
func (r *Ring) Close() {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)

	atomic.StoreUint32(&h.closed, 1)
	futex.Broadcast(&h.cond)
}

// Slots returns a copy of every slot for inspection.
func (r *Ring) Slots() []Slot {
	h := r.hdr
	futex.Acquire(&h.lock)
	defer futex.Release(&h.lock)
	return append([]Slot(nil), r.slots...)
}

func (r *Ring) waitLocked(d time.Duration, done func() bool) error {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	for {
		if done() {
			return nil
		}
		if r.Closed() {
			return ErrClosed
		}
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
		}
		futex.WaitTimeout(&r.hdr.cond, &r.hdr.lock, remaining)
	}
}

func (r *Ring) slotStatus(idx uint32) Status {
	return Status(atomic.LoadUint32((*uint32)(&r.slots[idx].Status)))
}

func (r *Ring) setStatus(idx uint32, s Status) {
	atomic.StoreUint32((*uint32)(&r.slots[idx].Status), uint32(s))
}

func (r *Ring) snapshot(idx uint32) Request {
	s := &r.slots[idx]
	return Request{
		Index:     idx,
		ProcessID: s.ProcessID,
		Type:      s.Type,
		Seq:       s.Seq,
		Data:      s.Data,
	}
}

func (r *Ring) String() string {
	h := r.hdr
	return fmt.Sprintf("ring head=%d tail=%d queued=%d available=%d capacity=%d",
		atomic.LoadUint32(&h.head), atomic.LoadUint32(&h.tail),
		atomic.LoadUint32(&h.queued), atomic.LoadUint32(&h.available), h.capacity)
}
