//go:build linux

package mutator

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Heap.Name = "mutator-test"
	opts.Heap.ImageSize = 256 << 10
	opts.Heap.ZygoteSize = 256 << 10
	opts.Heap.AllocSize = 1 << 20
	opts.Heap.MarkStackCapacity = 4096
	opts.Heap.RootCapacity = 64
	opts.Poll = 10 * time.Millisecond
	opts.RequestTimeout = 10 * time.Second
	return opts
}

func newMutator(t *testing.T) *Mutator {
	t.Helper()
	m, err := Create(testOptions())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

// openCollector maps m's heap a second time, the way an in-process collector
// sees it.
func openCollector(t *testing.T, m *Mutator) *heap.Heap {
	t.Helper()
	meta, err := shm.AttachFD(m.Heap().Meta().FD(), m.Heap().Meta().Size())
	if err != nil {
		t.Fatalf("AttachFD: %v", err)
	}
	h, err := heap.Open(meta, m.Attacher(), 0, m.opts.Layout.Fingerprint())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func newEngine(t *testing.T, m *Mutator) *collector.Engine {
	t.Helper()
	e, err := collector.NewEngine(openCollector(t, m), m.opts.Layout, collector.EngineOptions{
		Name:       "test",
		Workers:    2,
		AckTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func startSafepoints(t *testing.T, m *Mutator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		m.Stop()
	})
}

func smallWorkload(t *testing.T, m *Mutator) *Workload {
	t.Helper()
	w, err := NewWorkload(m, WorkloadSpec{Lists: 4, Length: 16, Cached: 2, Payload: 3, Garbage: 40, Seed: 7})
	if err != nil {
		t.Fatalf("NewWorkload: %v", err)
	}
	if err := w.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	return w
}

func TestCreatePublishesRootClass(t *testing.T) {
	m := newMutator(t)
	desc := m.Heap().Descriptor()
	if desc.RootClass() != m.Known().Class {
		t.Fatalf("root class = %s, want %s", desc.RootClass(), m.Known().Class)
	}
	if desc.Fingerprint() != objmodel.DefaultLayout().Fingerprint() {
		t.Fatalf("fingerprint %016x not the layout's", desc.Fingerprint())
	}
	if _, _, ok := m.Heap().MutatorSpace(m.Known().Class); !ok {
		t.Fatalf("root class outside the heap")
	}
}

func TestRootSlots(t *testing.T) {
	m := newMutator(t)
	a := m.Known().Object
	b := m.Known().Class

	i, err := m.AddRoot(a)
	if err != nil {
		t.Fatal(err)
	}
	j, err := m.AddRoot(b)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.DropRoot(i); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Root(i); ok {
		t.Fatalf("dropped slot %d still holds a root", i)
	}
	if k, _ := m.AddRoot(a); k != i {
		t.Fatalf("AddRoot reused slot %d, want %d", k, i)
	}
	if got := m.Roots(); !slices.Equal(got, []space.MutatorAddr{a, b}) {
		t.Fatalf("Roots() = %v", got)
	}
	if err := m.SetRoot(j+5, a); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("SetRoot on unused slot = %v, want ErrNoRoot", err)
	}
	if _, err := m.AddRoot(0); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("AddRoot(null) = %v, want ErrNoRoot", err)
	}
}

func TestRootCapacity(t *testing.T) {
	m := newMutator(t)
	for range m.Heap().Descriptor().RootCapacity() {
		if _, err := m.AddRoot(m.Known().Object); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.AddRoot(m.Known().Object); !errors.Is(err, ErrRootsFull) {
		t.Fatalf("AddRoot past capacity = %v, want ErrRootsFull", err)
	}
}

func TestBarrierDirtiesCard(t *testing.T) {
	m := newMutator(t)
	node, err := m.DefineClass(objmodel.ClassDef{RefFields: 1})
	if err != nil {
		t.Fatal(err)
	}
	alloc := m.Heap().Space(space.KindAlloc)
	alloc.Cards.ClearAll()

	var obj space.MutatorAddr
	err = m.Mutate(space.KindAlloc, func(b *objmodel.Builder) error {
		if obj, err = b.NewInstance(node); err != nil {
			return err
		}
		return b.SetField(obj, 0, obj)
	})
	if err != nil {
		t.Fatal(err)
	}
	_, off, _ := m.Heap().MutatorSpace(obj)
	if !alloc.Cards.IsDirty(off) {
		t.Fatalf("store into %s left its card clean", obj)
	}
}

func TestAllocateBlackDuringCycle(t *testing.T) {
	m := newMutator(t)
	node, err := m.DefineClass(objmodel.ClassDef{IntFields: 1})
	if err != nil {
		t.Fatal(err)
	}

	alloc := func() uint64 {
		var obj space.MutatorAddr
		err := m.Mutate(space.KindAlloc, func(b *objmodel.Builder) error {
			var err error
			obj, err = b.NewInstance(node)
			return err
		})
		if err != nil {
			t.Fatal(err)
		}
		_, off, _ := m.Heap().MutatorSpace(obj)
		return off
	}

	s := m.Heap().Space(space.KindAlloc)
	if off := alloc(); s.Mark.Test(off) {
		t.Fatalf("object allocated outside a cycle is marked")
	}
	if err := m.Heap().Descriptor().Phase().Advance(phase.PreInit); err != nil {
		t.Fatal(err)
	}
	if off := alloc(); !s.Mark.Test(off) {
		t.Fatalf("object allocated during a cycle is not marked")
	}
}

func TestCollectFreesGarbage(t *testing.T) {
	m := newMutator(t)
	w := smallWorkload(t, m)
	e := newEngine(t, m)
	startSafepoints(t, m)
	ctx := context.Background()

	stats, err := e.Collect(ctx, collector.FullPolicy, request.EXPLICIT_GC)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if stats.Cycle != 1 || stats.Counters.Cycles != 1 {
		t.Fatalf("first cycle numbered %d (counter %d)", stats.Cycle, stats.Counters.Cycles)
	}
	if got := stats.Counters.ObjectsFreed; got != 40 {
		t.Fatalf("freed %d objects, want the 40 garbage nodes", got)
	}
	if stats.Counters.ObjectsMarked < uint64(w.Reachable()) {
		t.Fatalf("marked %d objects, fewer than the %d reachable", stats.Counters.ObjectsMarked, w.Reachable())
	}
	if seen, err := w.Verify(); err != nil || seen != w.Reachable() {
		t.Fatalf("Verify = %d, %v; want %d", seen, err, w.Reachable())
	}

	if err := w.Churn(ctx, 3); err != nil {
		t.Fatal(err)
	}
	stats, err = e.Collect(ctx, collector.FullPolicy, request.EXPLICIT_GC)
	if err != nil {
		t.Fatalf("second Collect: %v", err)
	}
	if want := uint64(3 * 2 * 16); stats.Counters.ObjectsFreed != want {
		t.Fatalf("freed %d objects after churn, want %d", stats.Counters.ObjectsFreed, want)
	}
	if _, err := w.Verify(); err != nil {
		t.Fatalf("Verify after churn: %v", err)
	}

	if got := m.Heap().Descriptor().LastCompleted(); got != 2 {
		t.Fatalf("LastCompleted = %d, want 2", got)
	}
	// The last pause ends once the mutator sees the phase leave RECLAIM.
	deadline := time.Now().Add(2 * time.Second)
	for n, _ := m.Pauses(); n != 4; n, _ = m.Pauses() {
		if time.Now().After(deadline) {
			t.Fatalf("mutator paused %d times, want two per cycle", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !slices.Equal(m.Heap().Descriptor().Roots(), m.Roots()) {
		t.Fatalf("published roots differ from the mutator's")
	}
	if e.History().Len() != 2 {
		t.Fatalf("history holds %d cycles", e.History().Len())
	}
}

func TestPartialCollectionSkipsZygote(t *testing.T) {
	m := newMutator(t)
	w := smallWorkload(t, m)
	e := newEngine(t, m)
	startSafepoints(t, m)

	stats, err := e.Collect(context.Background(), collector.PartialPolicy, request.CONCURRENT_GC)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if stats.Counters.ObjectsFreed != 40 {
		t.Fatalf("freed %d objects, want 40", stats.Counters.ObjectsFreed)
	}
	zygote := m.Heap().Space(space.KindZygote)
	if zygote.Mark.Count() != 0 {
		t.Fatalf("partial collection marked %d zygote objects", zygote.Mark.Count())
	}
	if _, err := w.Verify(); err != nil {
		t.Fatal(err)
	}
	if m.Heap().Descriptor().Policy() != collector.PolicyPartial {
		t.Fatalf("descriptor policy = %d", m.Heap().Descriptor().Policy())
	}
}

func TestUnresponsiveMutatorAbortsCycle(t *testing.T) {
	m := newMutator(t)
	e, err := collector.NewEngine(openCollector(t, m), m.opts.Layout, collector.EngineOptions{
		AckTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Collect(context.Background(), collector.FullPolicy, request.EXPLICIT_GC)
	if !errors.Is(err, collector.ErrUnresponsive) {
		t.Fatalf("Collect without safepoints = %v, want ErrUnresponsive", err)
	}
	if p := m.Heap().Descriptor().Phase().Current(); p != phase.PostFinish {
		t.Fatalf("aborted cycle left phase at %s", p)
	}
}

func TestSafepointsStopOnShutdown(t *testing.T) {
	m := newMutator(t)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrStarted) {
		t.Fatalf("second Start = %v", err)
	}
	m.Heap().Descriptor().Shutdown()
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("safepoint goroutine still running after shutdown")
	}
}

func TestManualSafepoints(t *testing.T) {
	m := newMutator(t)
	smallWorkload(t, m)
	e := newEngine(t, m)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := e.Collect(ctx, collector.FullPolicy, request.EXPLICIT_GC)
		done <- err
	}()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if n, _ := m.Pauses(); n != 2 {
				t.Fatalf("mutator paused %d times, want 2", n)
			}
			return
		default:
		}
		if err := m.Safepoint(ctx); err != nil {
			t.Fatalf("Safepoint: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCycleCountersResetAtInit(t *testing.T) {
	m := newMutator(t)
	smallWorkload(t, m)
	e := newEngine(t, m)
	ctx := context.Background()
	desc := m.Heap().Descriptor()
	counters := desc.Stats()
	counters.Add(&counters.ObjectsFreed, 99)

	done := make(chan error, 1)
	go func() {
		_, err := e.Collect(ctx, collector.FullPolicy, request.EXPLICIT_GC)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for desc.Phase().Current() != phase.Init {
		if time.Now().After(deadline) {
			t.Fatalf("cycle never reached INIT, at %s", desc.Phase().Current())
		}
		time.Sleep(time.Millisecond)
	}
	if got := counters.Snapshot().ObjectsFreed; got != 99 {
		t.Fatalf("counters reset before the mutator acknowledged INIT: freed = %d", got)
	}

	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if got := counters.Snapshot().ObjectsFreed; got != 40 {
				t.Fatalf("freed = %d after the cycle, want only this cycle's 40", got)
			}
			return
		default:
		}
		if err := m.Safepoint(ctx); err != nil {
			t.Fatalf("Safepoint: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
}
