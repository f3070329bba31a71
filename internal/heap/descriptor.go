package heap

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/fizous/gcaas/internal/futex"
	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

const (
	descriptorMagic   uint32 = 0x44484347 // "GCHD"
	descriptorVersion uint32 = 1

	// DescriptorOffset is where the descriptor sits in the metadata region:
	// it is always the first record.
	DescriptorOffset = shm.HeaderSize
)

// ErrTimeout is returned by descriptor waits that gave up.
var ErrTimeout = errors.New("heap wait timed out")

// descriptor is the shared heap descriptor as laid out in memory.
type descriptor struct {
	magic       uint32
	version     uint32
	fingerprint uint64
	mutatorPID  uint32
	policy      uint32

	phase phase.Sync

	concLock futex.Mutex
	concCond futex.Cond
	concWord uint32

	completeLock futex.Mutex
	completeCond futex.Cond
	completeWord uint32

	immuneBegin uint64
	immuneEnd   uint64

	stats Counters

	rootClass    uint64
	rootsOff     uint64
	rootsCap     uint32
	rootsLen     uint32
	markStackOff uint64
	ringOff      uint64

	spaces [space.NumKinds]spaceRecord
}

const descriptorSize = uint64(unsafe.Sizeof(descriptor{}))

// Descriptor is a view of the shared heap descriptor in one mapping of the
// metadata region.
type Descriptor struct {
	d    *descriptor
	meta *shm.Region
}

func newDescriptor(meta *shm.Region, fingerprint uint64, pid int) (*Descriptor, error) {
	off, err := meta.AllocRecord(descriptorSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate heap descriptor: %w", err)
	}
	if off != DescriptorOffset {
		return nil, fmt.Errorf("heap descriptor landed at %d, want %d", off, DescriptorOffset)
	}
	d := (*descriptor)(meta.Pointer(off))
	d.fingerprint = fingerprint
	d.mutatorPID = uint32(pid)
	d.version = descriptorVersion
	atomic.StoreUint32(&d.magic, descriptorMagic)
	return &Descriptor{d: d, meta: meta}, nil
}

func openDescriptor(meta *shm.Region) (*Descriptor, error) {
	if meta.Size() < DescriptorOffset+descriptorSize {
		return nil, fmt.Errorf("metadata region too small for a heap descriptor: %w", shm.ErrMapping)
	}
	d := (*descriptor)(meta.Pointer(DescriptorOffset))
	if magic := atomic.LoadUint32(&d.magic); magic != descriptorMagic {
		return nil, fmt.Errorf("bad heap descriptor magic 0x%08x: %w", magic, shm.ErrMapping)
	}
	if d.version != descriptorVersion {
		return nil, fmt.Errorf("unsupported heap descriptor version %d: %w", d.version, shm.ErrMapping)
	}
	return &Descriptor{d: d, meta: meta}, nil
}

// Phase returns the shared phase state.
func (d *Descriptor) Phase() *phase.Sync {
	return &d.d.phase
}

// Stats returns the shared counters.
func (d *Descriptor) Stats() *Counters {
	return &d.d.stats
}

// Fingerprint is the object layout fingerprint the mutator built the heap
// with.
func (d *Descriptor) Fingerprint() uint64 {
	return d.d.fingerprint
}

func (d *Descriptor) MutatorPID() int {
	return int(d.d.mutatorPID)
}

// Policy returns the code of the collection policy last used.
func (d *Descriptor) Policy() uint32 {
	return atomic.LoadUint32(&d.d.policy)
}

func (d *Descriptor) SetPolicy(code uint32) {
	atomic.StoreUint32(&d.d.policy, code)
}

// SetImmuneRange publishes the collector-space range that the current cycle
// treats as already marked.
func (d *Descriptor) SetImmuneRange(begin, end space.CollectorAddr) {
	atomic.StoreUint64(&d.d.immuneBegin, uint64(begin))
	atomic.StoreUint64(&d.d.immuneEnd, uint64(end))
}

func (d *Descriptor) ImmuneRange() (space.CollectorAddr, space.CollectorAddr) {
	return space.CollectorAddr(atomic.LoadUint64(&d.d.immuneBegin)),
		space.CollectorAddr(atomic.LoadUint64(&d.d.immuneEnd))
}

// InImmuneRange reports whether a lies in the published immune range.
func (d *Descriptor) InImmuneRange(a space.CollectorAddr) bool {
	begin, end := d.ImmuneRange()
	return a >= begin && a < end
}

func (d *Descriptor) RootClass() space.MutatorAddr {
	return space.MutatorAddr(atomic.LoadUint64(&d.d.rootClass))
}

func (d *Descriptor) SetRootClass(a space.MutatorAddr) {
	atomic.StoreUint64(&d.d.rootClass, uint64(a))
}

// PublishRoots replaces the root array. The mutator calls it at a safepoint.
func (d *Descriptor) PublishRoots(roots []space.MutatorAddr) error {
	if len(roots) > int(d.d.rootsCap) {
		return fmt.Errorf("%d roots exceed root array capacity %d", len(roots), d.d.rootsCap)
	}
	slots := d.rootSlots()
	for i, r := range roots {
		atomic.StoreUint64(&slots[i], uint64(r))
	}
	atomic.StoreUint32(&d.d.rootsLen, uint32(len(roots)))
	return nil
}

// Roots returns the last published root array.
func (d *Descriptor) Roots() []space.MutatorAddr {
	n := min(atomic.LoadUint32(&d.d.rootsLen), d.d.rootsCap)
	slots := d.rootSlots()
	out := make([]space.MutatorAddr, n)
	for i := range out {
		out[i] = space.MutatorAddr(atomic.LoadUint64(&slots[i]))
	}
	return out
}

func (d *Descriptor) RootCapacity() int {
	return int(d.d.rootsCap)
}

func (d *Descriptor) rootSlots() []uint64 {
	return unsafe.Slice((*uint64)(d.meta.Pointer(d.d.rootsOff)), d.d.rootsCap)
}

// TryRequestConcurrent marks a concurrent collection as wanted and reports
// whether the caller is the first to ask since the last one finished.
func (d *Descriptor) TryRequestConcurrent() bool {
	futex.Acquire(&d.d.concLock)
	defer futex.Release(&d.d.concLock)

	if d.d.concWord != 0 {
		return false
	}
	atomic.StoreUint32(&d.d.concWord, 1)
	futex.Broadcast(&d.d.concCond)
	return true
}

func (d *Descriptor) ConcurrentRequested() bool {
	return atomic.LoadUint32(&d.d.concWord) != 0
}

// ClearConcurrentRequest is called by the collector when a cycle finishes.
func (d *Descriptor) ClearConcurrentRequest() {
	futex.Acquire(&d.d.concLock)
	defer futex.Release(&d.d.concLock)

	atomic.StoreUint32(&d.d.concWord, 0)
	futex.Broadcast(&d.d.concCond)
}

// PublishCompletion announces that cycle has finished and its statistics are
// in place.
func (d *Descriptor) PublishCompletion(cycle uint32) {
	futex.Acquire(&d.d.completeLock)
	defer futex.Release(&d.d.completeLock)

	atomic.StoreUint32(&d.d.completeWord, cycle)
	futex.Broadcast(&d.d.completeCond)
}

// LastCompleted returns the number of the last cycle announced complete.
func (d *Descriptor) LastCompleted() uint32 {
	return atomic.LoadUint32(&d.d.completeWord)
}

// WaitForCompletion blocks until a cycle numbered at least cycle has been
// announced, or the collector has shut down.
func (d *Descriptor) WaitForCompletion(cycle uint32, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	futex.Acquire(&d.d.completeLock)
	defer futex.Release(&d.d.completeLock)

	for d.LastCompleted() < cycle {
		if d.Phase().Current() == phase.PostFinish {
			return phase.ErrShutdown
		}
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return fmt.Errorf("cycle %d not complete (last %d): %w", cycle, d.LastCompleted(), ErrTimeout)
			}
		}
		futex.WaitTimeout(&d.d.completeCond, &d.d.completeLock, remaining)
	}
	return nil
}

// Shutdown moves the phase to POST_FINISH and wakes everyone waiting on any
// of the descriptor's conditions.
func (d *Descriptor) Shutdown() {
	d.Phase().Shutdown()

	futex.Acquire(&d.d.completeLock)
	futex.Broadcast(&d.d.completeCond)
	futex.Release(&d.d.completeLock)

	futex.Acquire(&d.d.concLock)
	futex.Broadcast(&d.d.concCond)
	futex.Release(&d.d.concLock)
}
