// Package mutator is the application side of an offloaded heap: it creates
// the shared heap, builds objects in it, keeps the root set, stops at
// safepoints when the collector asks and sends requests to the daemon.
package mutator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fizous/gcaas/internal/debuglog"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/space"
)

var (
	ErrRootsFull = errors.New("root set full")
	ErrNoRoot    = errors.New("no such root")
	ErrStarted   = errors.New("safepoints already running")
)

type Options struct {
	Heap   heap.Options
	Layout objmodel.Layout

	// Poll bounds every futex wait so cancellation is noticed.
	Poll time.Duration
	// RequestTimeout bounds a request round trip; non-positive waits
	// until the context is done.
	RequestTimeout time.Duration

	Log *debuglog.Logger
}

func DefaultOptions() Options {
	return Options{
		Heap:           heap.DefaultOptions(),
		Layout:         objmodel.DefaultLayout(),
		Poll:           50 * time.Millisecond,
		RequestTimeout: 30 * time.Second,
	}
}

// Mutator owns a heap. All heap writes go through Mutate, which holds the
// world lock; the safepoint goroutine takes the same lock to park the
// mutator while the collector needs it stopped.
type Mutator struct {
	opts   Options
	heap   *heap.Heap
	writer *space.Writer
	image  *objmodel.Builder
	known  objmodel.WellKnown
	pid    uint32

	world sync.Mutex

	rootsMu sync.Mutex
	roots   []space.MutatorAddr // zero marks a free slot
	live    int

	cancel context.CancelFunc
	done   chan struct{}

	pauses     atomic.Uint64
	pauseNanos atomic.Int64
}

// Create builds a heap and bootstraps the well-known classes into its image
// space. The root class is published in the heap descriptor.
func Create(opts Options) (*Mutator, error) {
	if err := opts.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object layout: %w", err)
	}
	if opts.Poll <= 0 {
		opts.Poll = 50 * time.Millisecond
	}
	opts.Heap.Fingerprint = opts.Layout.Fingerprint()

	h, err := heap.Create(opts.Heap)
	if err != nil {
		return nil, err
	}
	m := &Mutator{
		opts:   opts,
		heap:   h,
		writer: h.Writer(),
		pid:    uint32(os.Getpid()),
		roots:  make([]space.MutatorAddr, 0, 64),
	}
	m.image = objmodel.NewBuilder(opts.Layout, m.writer, m.allocator(space.KindImage)).WithBarrier(m.dirtyCard)

	known, err := m.image.Bootstrap()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("failed to bootstrap heap: %w", err)
	}
	m.known = known
	h.Descriptor().SetRootClass(known.Class)
	opts.Log.Debugf("created %s, root class %s", h, known.Class)
	return m, nil
}

func (m *Mutator) Heap() *heap.Heap {
	return m.heap
}

func (m *Mutator) Known() objmodel.WellKnown {
	return m.known
}

func (m *Mutator) PID() uint32 {
	return m.pid
}

// Attacher maps this mutator's spaces for a collector running in the same
// process.
func (m *Mutator) Attacher() heap.Attacher {
	return m.heap.LocalAttacher()
}

// spaceAllocator places objects in one space. Objects allocated while a
// cycle is running are born marked, so the sweep that ends the cycle cannot
// free them.
type spaceAllocator struct {
	m    *Mutator
	kind space.Kind
}

func (m *Mutator) allocator(kind space.Kind) spaceAllocator {
	return spaceAllocator{m: m, kind: kind}
}

func (a spaceAllocator) Allocate(size uint64) (space.MutatorAddr, error) {
	s := a.m.heap.Space(a.kind)
	off, err := s.Allocate(size)
	if err != nil {
		return 0, err
	}
	if a.m.heap.Descriptor().Phase().Current().InCycle() {
		s.Mark.Set(off)
	}
	return s.MutatorBegin().Add(off), nil
}

// dirtyCard is the write barrier: every reference store dirties the card of
// the object stored into.
func (m *Mutator) dirtyCard(obj space.MutatorAddr) {
	if s, off, ok := m.heap.MutatorSpace(obj); ok {
		s.Cards.Mark(off)
	}
}

// DefineClass defines a class in the image space, where classes are never
// collected.
func (m *Mutator) DefineClass(def objmodel.ClassDef) (space.MutatorAddr, error) {
	m.world.Lock()
	defer m.world.Unlock()
	return m.image.NewClass(def)
}

// Mutate runs fn with a builder allocating in kind while holding the world
// lock, so fn never overlaps a stop-the-world phase. Objects fn allocates
// must be reachable from a root or another live object by the time it
// returns. fn must not send requests to the daemon.
func (m *Mutator) Mutate(kind space.Kind, fn func(b *objmodel.Builder) error) error {
	m.world.Lock()
	defer m.world.Unlock()
	return fn(m.image.WithAllocator(m.allocator(kind)))
}

// MutateRetry is Mutate that, if fn runs out of space, asks the daemon for an
// allocation collection and runs fn once more. Whatever fn allocated in the
// failed attempt becomes garbage, so fn has to be restartable.
func (m *Mutator) MutateRetry(ctx context.Context, kind space.Kind, fn func(b *objmodel.Builder) error) error {
	err := m.Mutate(kind, fn)
	if !errors.Is(err, heap.ErrOutOfSpace) {
		return err
	}
	m.opts.Log.Debugf("allocation failed in %s space, requesting a collection: %v", kind, err)
	if _, gcErr := m.RequestGC(ctx, request.ALLOCATION_GC); gcErr != nil {
		return errors.Join(err, gcErr)
	}
	return m.Mutate(kind, fn)
}

// AddRoot adds a to the root set and returns its slot.
func (m *Mutator) AddRoot(a space.MutatorAddr) (int, error) {
	if a.IsNull() {
		return 0, fmt.Errorf("add null root: %w", ErrNoRoot)
	}
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()

	if m.live >= m.heap.Descriptor().RootCapacity() {
		return 0, fmt.Errorf("add root %s: %w", a, ErrRootsFull)
	}
	m.live++
	for i, r := range m.roots {
		if r.IsNull() {
			m.roots[i] = a
			return i, nil
		}
	}
	m.roots = append(m.roots, a)
	return len(m.roots) - 1, nil
}

// SetRoot replaces the root in slot i. Setting null frees the slot.
func (m *Mutator) SetRoot(i int, a space.MutatorAddr) error {
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()

	if i < 0 || i >= len(m.roots) || m.roots[i].IsNull() {
		return fmt.Errorf("root slot %d: %w", i, ErrNoRoot)
	}
	if a.IsNull() {
		m.live--
	}
	m.roots[i] = a
	return nil
}

func (m *Mutator) DropRoot(i int) error {
	return m.SetRoot(i, 0)
}

func (m *Mutator) Root(i int) (space.MutatorAddr, bool) {
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()
	if i < 0 || i >= len(m.roots) || m.roots[i].IsNull() {
		return 0, false
	}
	return m.roots[i], true
}

// Roots returns the current root set without free slots.
func (m *Mutator) Roots() []space.MutatorAddr {
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()
	out := make([]space.MutatorAddr, 0, m.live)
	for _, r := range m.roots {
		if !r.IsNull() {
			out = append(out, r)
		}
	}
	return out
}

func (m *Mutator) publishRoots() error {
	return m.heap.Descriptor().PublishRoots(m.Roots())
}

// Pauses returns how often the mutator was stopped and for how long in all.
func (m *Mutator) Pauses() (uint64, time.Duration) {
	return m.pauses.Load(), time.Duration(m.pauseNanos.Load())
}

// Close stops the safepoint goroutine and unmaps the heap. A collector still
// attached keeps its own mappings.
func (m *Mutator) Close() error {
	m.Stop()
	return m.heap.Close()
}

func (m *Mutator) String() string {
	n, total := m.Pauses()
	return fmt.Sprintf("mutator %d: %d roots, %d pauses (%s), %s", m.pid, len(m.Roots()), n, total, m.heap)
}
