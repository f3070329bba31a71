// Package markstack implements the bounded stack of gray object addresses
// shared by the mutator and the collector.
//
// Index updates are sequentially consistent atomics. The stack knows nothing
// about GC phases: pops, resets and sorts must only happen while no producer
// is pushing, which the phase protocol guarantees.
package markstack

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"unsafe"

	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

// ErrOverflow is returned by a push that found the stack full. The stack is
// unchanged; grow it and retry.
var ErrOverflow = errors.New("mark stack overflow")

// header is the fixed-layout prefix of a shared stack.
type header struct {
	front    uint64
	back     uint64
	capacity uint64
	sorted   uint32
	_        uint32
}

const headerSize = uint64(unsafe.Sizeof(header{}))

// Stack is a fixed-capacity array of mutator addresses with front and back
// indices. Slots in [front, back) are live.
type Stack struct {
	name  string
	hdr   *header
	slots []uint64

	// Set for shared stacks.
	region   *shm.Region
	slotsOff uint64
}

// New creates a stack private to this process.
func New(name string, capacity int) *Stack {
	s := &Stack{name: name, hdr: &header{}}
	s.hdr.capacity = uint64(capacity)
	s.slots = make([]uint64, capacity)
	return s
}

// NewShared carves a stack out of region and returns it along with the offset
// another process passes to Open.
func NewShared(name string, region *shm.Region, capacity int) (*Stack, uint64, error) {
	off, err := region.AllocRecord(headerSize + uint64(capacity)*8)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to allocate mark stack %q: %w", name, err)
	}
	s := overlay(name, region, off)
	atomic.StoreUint64(&s.hdr.capacity, uint64(capacity))
	s.slots = unsafe.Slice((*uint64)(region.Pointer(s.slotsOff)), capacity)
	return s, off, nil
}

// Open attaches to a stack created by NewShared in another mapping of region.
func Open(name string, region *shm.Region, off uint64) (*Stack, error) {
	if off == 0 || off+headerSize > region.Size() {
		return nil, fmt.Errorf("mark stack %q: bad offset %d", name, off)
	}
	s := overlay(name, region, off)
	capacity := atomic.LoadUint64(&s.hdr.capacity)
	if s.slotsOff+capacity*8 > region.Size() {
		return nil, fmt.Errorf("mark stack %q: capacity %d overruns region", name, capacity)
	}
	s.slots = unsafe.Slice((*uint64)(region.Pointer(s.slotsOff)), capacity)
	return s, nil
}

func overlay(name string, region *shm.Region, off uint64) *Stack {
	return &Stack{
		name:     name,
		hdr:      (*header)(region.Pointer(off)),
		region:   region,
		slotsOff: off + headerSize,
	}
}

func (s *Stack) Name() string {
	return s.name
}

// Shared reports whether the stack lives in shared memory.
func (s *Stack) Shared() bool {
	return s.region != nil
}

func (s *Stack) Capacity() int {
	return int(atomic.LoadUint64(&s.hdr.capacity))
}

func (s *Stack) Front() uint64 {
	return atomic.LoadUint64(&s.hdr.front)
}

func (s *Stack) Back() uint64 {
	return atomic.LoadUint64(&s.hdr.back)
}

// Size returns back - front.
func (s *Stack) Size() int {
	return int(s.Back() - s.Front())
}

func (s *Stack) IsEmpty() bool {
	return s.Size() == 0
}

// IsFull reports whether a push would overflow.
func (s *Stack) IsFull() bool {
	return s.Back() >= atomic.LoadUint64(&s.hdr.capacity)
}

// PushBack appends a for a single writer.
func (s *Stack) PushBack(a space.MutatorAddr) error {
	back := atomic.LoadUint64(&s.hdr.back)
	if back >= atomic.LoadUint64(&s.hdr.capacity) {
		return fmt.Errorf("%s: push at %d: %w", s.name, back, ErrOverflow)
	}
	s.invalidateSort()
	s.slots[back] = uint64(a)
	atomic.StoreUint64(&s.hdr.back, back+1)
	return nil
}

// AtomicPushBack appends a and may race with other AtomicPushBack callers.
// A full stack returns ErrOverflow and leaves back untouched.
func (s *Stack) AtomicPushBack(a space.MutatorAddr) error {
	capacity := atomic.LoadUint64(&s.hdr.capacity)
	for {
		back := atomic.LoadUint64(&s.hdr.back)
		if back >= capacity {
			return fmt.Errorf("%s: push at %d: %w", s.name, back, ErrOverflow)
		}
		if atomic.CompareAndSwapUint64(&s.hdr.back, back, back+1) {
			s.invalidateSort()
			atomic.StoreUint64(&s.slots[back], uint64(a))
			return nil
		}
	}
}

// AtomicBumpBack claims n consecutive slots and returns the first index. The
// caller fills them with SetSlot before any consumer looks.
func (s *Stack) AtomicBumpBack(n int) (uint64, error) {
	capacity := atomic.LoadUint64(&s.hdr.capacity)
	for {
		back := atomic.LoadUint64(&s.hdr.back)
		if back+uint64(n) > capacity {
			return 0, fmt.Errorf("%s: claim %d at %d: %w", s.name, n, back, ErrOverflow)
		}
		if atomic.CompareAndSwapUint64(&s.hdr.back, back, back+uint64(n)) {
			s.invalidateSort()
			return back, nil
		}
	}
}

// SetSlot fills a slot previously claimed with AtomicBumpBack.
func (s *Stack) SetSlot(i uint64, a space.MutatorAddr) {
	atomic.StoreUint64(&s.slots[i], uint64(a))
}

// PopBack removes and returns the newest entry.
func (s *Stack) PopBack() (space.MutatorAddr, bool) {
	back := atomic.LoadUint64(&s.hdr.back)
	if back <= atomic.LoadUint64(&s.hdr.front) {
		return 0, false
	}
	back--
	a := space.MutatorAddr(atomic.LoadUint64(&s.slots[back]))
	atomic.StoreUint64(&s.hdr.back, back)
	s.invalidateSort()
	return a, true
}

// PopFront removes and returns the oldest entry.
func (s *Stack) PopFront() (space.MutatorAddr, bool) {
	front := atomic.LoadUint64(&s.hdr.front)
	if front >= atomic.LoadUint64(&s.hdr.back) {
		return 0, false
	}
	a := space.MutatorAddr(atomic.LoadUint64(&s.slots[front]))
	atomic.StoreUint64(&s.hdr.front, front+1)
	s.invalidateSort()
	return a, true
}

// OperateOnStack calls fn for every entry in [front, back) as of the call,
// without moving either index. Entries pushed while it runs are not visited.
func (s *Stack) OperateOnStack(fn func(space.MutatorAddr) error) error {
	return s.OperateOnRange(s.Front(), s.Back(), fn)
}

// OperateOnRange calls fn for the entries in slots [from, to), which must lie
// within [front, back). Several goroutines may operate on disjoint ranges
// while others push.
func (s *Stack) OperateOnRange(from, to uint64, fn func(space.MutatorAddr) error) error {
	if from > to || from < s.Front() || to > s.Back() {
		return fmt.Errorf("%s: range [%d, %d) outside [%d, %d)", s.name, from, to, s.Front(), s.Back())
	}
	for i := from; i < to; i++ {
		if err := fn(space.MutatorAddr(atomic.LoadUint64(&s.slots[i]))); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceFront drops every entry below index to, typically after a round of
// OperateOnStack has processed them.
func (s *Stack) AdvanceFront(to uint64) error {
	if to < s.Front() || to > s.Back() {
		return fmt.Errorf("%s: front %d outside [%d, %d]", s.name, to, s.Front(), s.Back())
	}
	atomic.StoreUint64(&s.hdr.front, to)
	s.invalidateSort()
	return nil
}

// Compact moves the live entries to the bottom of the stack so the space
// below front can be reused.
func (s *Stack) Compact() {
	front, back := s.Front(), s.Back()
	if front == 0 {
		return
	}
	n := copy(s.slots, s.slots[front:back])
	atomic.StoreUint64(&s.hdr.front, 0)
	atomic.StoreUint64(&s.hdr.back, uint64(n))
	s.invalidateSort()
}

// Snapshot copies the live entries.
func (s *Stack) Snapshot() []space.MutatorAddr {
	out := make([]space.MutatorAddr, 0, s.Size())
	s.OperateOnStack(func(a space.MutatorAddr) error {
		out = append(out, a)
		return nil
	})
	return out
}

// Reset empties the stack. Shared slot pages are handed back to the kernel
// rather than cleared, since the indices alone define emptiness.
func (s *Stack) Reset() error {
	atomic.StoreUint64(&s.hdr.front, 0)
	atomic.StoreUint64(&s.hdr.back, 0)
	s.invalidateSort()
	if s.region != nil {
		return s.region.Discard(s.slotsOff, uint64(len(s.slots))*8)
	}
	return nil
}

// Resize changes the capacity of an empty private stack. Shared stacks have a
// fixed footprint in their region.
func (s *Stack) Resize(capacity int) error {
	if s.region != nil {
		return fmt.Errorf("%s: shared mark stacks cannot be resized", s.name)
	}
	if !s.IsEmpty() {
		return fmt.Errorf("%s: resize of non-empty stack (%d entries)", s.name, s.Size())
	}
	s.hdr.front, s.hdr.back = 0, 0
	s.hdr.capacity = uint64(capacity)
	s.slots = make([]uint64, capacity)
	s.invalidateSort()
	return nil
}

// Sort orders the live entries so ContainsSorted can binary search them.
func (s *Stack) Sort() {
	slices.Sort(s.slots[s.Front():s.Back()])
	atomic.StoreUint32(&s.hdr.sorted, 1)
}

// ContainsSorted reports whether a is on the stack. Only valid between Sort
// and the next mutation.
func (s *Stack) ContainsSorted(a space.MutatorAddr) (bool, error) {
	if atomic.LoadUint32(&s.hdr.sorted) == 0 {
		return false, fmt.Errorf("%s: ContainsSorted called on an unsorted stack", s.name)
	}
	_, found := slices.BinarySearch(s.slots[s.Front():s.Back()], uint64(a))
	return found, nil
}

func (s *Stack) invalidateSort() {
	if atomic.LoadUint32(&s.hdr.sorted) != 0 {
		atomic.StoreUint32(&s.hdr.sorted, 0)
	}
}

func (s *Stack) String() string {
	shared := "private"
	if s.Shared() {
		shared = "shared"
	}
	return fmt.Sprintf("%s(%s, %d/%d, front=%d back=%d)", s.name, shared, s.Size(), s.Capacity(), s.Front(), s.Back())
}
