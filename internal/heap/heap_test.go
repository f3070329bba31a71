package heap

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

func smallOptions(shared bool) Options {
	opts := DefaultOptions()
	opts.Name = "heap-test"
	opts.ImageSize = 64 << 10
	opts.ZygoteSize = 64 << 10
	opts.AllocSize = 256 << 10
	opts.MarkStackCapacity = 1024
	opts.FreeListCapacity = 4
	opts.Shared = shared
	return opts
}

func newHeap(t *testing.T, shared bool) *Heap {
	t.Helper()
	h, err := Create(smallOptions(shared))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestBumpSpaceAllocateAndFree(t *testing.T) {
	h := newHeap(t, false)
	s := h.Space(space.KindAlloc)

	a, err := s.Allocate(20)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	if a != 0 || b != 24 {
		t.Fatalf("offsets = %d, %d; want 0, 24", a, b)
	}
	if !s.Live.Test(a) || !s.Live.Test(b) {
		t.Fatalf("allocation did not set live bits")
	}
	if s.Objects() != 2 || s.Allocated() != 56 || s.Footprint() != 56 {
		t.Fatalf("after two allocations: %s", s)
	}

	if err := s.Free(b, 32); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if s.Live.Test(b) || s.FreeChunks() != 1 {
		t.Fatalf("after free: live=%v chunks=%d", s.Live.Test(b), s.FreeChunks())
	}
	if err := s.Free(b, 32); !errors.Is(err, space.ErrProtocolViolation) {
		t.Fatalf("double free error = %v", err)
	}

	c, err := s.Allocate(16)
	if err != nil {
		t.Fatal(err)
	}
	if c != b {
		t.Fatalf("reused offset %d, want the freed chunk at %d", c, b)
	}
	if s.Footprint() != 56 {
		t.Fatalf("footprint grew to %d while a free chunk fit", s.Footprint())
	}
}

func TestBumpSpaceExhaustion(t *testing.T) {
	h := newHeap(t, false)
	s := h.Space(space.KindImage)
	if _, err := s.Allocate(s.Capacity()); err != nil {
		t.Fatalf("allocating the whole space: %v", err)
	}
	if _, err := s.Allocate(8); !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("error = %v, want ErrOutOfSpace", err)
	}
}

func TestFreeListOverflowIsCountedAsLost(t *testing.T) {
	h := newHeap(t, false)
	s := h.Space(space.KindZygote)

	var offs []uint64
	for range 6 {
		off, err := s.Allocate(16)
		if err != nil {
			t.Fatal(err)
		}
		offs = append(offs, off)
	}
	for _, off := range offs {
		if err := s.Free(off, 16); err != nil {
			t.Fatal(err)
		}
	}
	if s.FreeChunks() != 4 || s.Lost() != 32 {
		t.Fatalf("chunks=%d lost=%d, want 4 and 32", s.FreeChunks(), s.Lost())
	}
}

func TestDescriptorRootsAndCompletion(t *testing.T) {
	h := newHeap(t, false)
	d := h.Descriptor()

	roots := []space.MutatorAddr{0x1000, 0x2000}
	if err := d.PublishRoots(roots); err != nil {
		t.Fatal(err)
	}
	if got := d.Roots(); len(got) != 2 || got[1] != 0x2000 {
		t.Fatalf("Roots = %v", got)
	}
	if err := d.PublishRoots(make([]space.MutatorAddr, d.RootCapacity()+1)); err == nil {
		t.Fatalf("PublishRoots accepted more roots than capacity")
	}

	if !d.TryRequestConcurrent() || d.TryRequestConcurrent() {
		t.Fatalf("concurrent request not deduplicated")
	}
	d.ClearConcurrentRequest()
	if d.ConcurrentRequested() {
		t.Fatalf("request still pending after clear")
	}

	done := make(chan error, 1)
	go func() { done <- d.WaitForCompletion(1, 5*time.Second) }()
	time.Sleep(10 * time.Millisecond)
	d.PublishCompletion(1)
	if err := <-done; err != nil {
		t.Fatalf("WaitForCompletion: %v", err)
	}

	go func() { done <- d.WaitForCompletion(2, 5*time.Second) }()
	time.Sleep(10 * time.Millisecond)
	d.Shutdown()
	if err := <-done; !errors.Is(err, phase.ErrShutdown) {
		t.Fatalf("WaitForCompletion after shutdown = %v", err)
	}
}

func TestPrivateHeapTableIsIdentity(t *testing.T) {
	h := newHeap(t, false)
	table, err := h.Table()
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range h.Spaces() {
		m := s.MutatorBegin().Add(64)
		c, err := table.ToCollector(m)
		if err != nil {
			t.Fatal(err)
		}
		if uintptr(c) != uintptr(m) {
			t.Fatalf("%s: %s translated to %s in a private heap", s.Kind(), m, c)
		}
	}
}

func TestAllocatePrefersExactFit(t *testing.T) {
	h := newHeap(t, false)
	s := h.Space(space.KindAlloc)

	big, _ := s.Allocate(64)
	s.Allocate(8)
	exact, _ := s.Allocate(24)
	s.Allocate(8)
	if err := s.Free(big, 64); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(exact, 24); err != nil {
		t.Fatal(err)
	}

	off, err := s.Allocate(24)
	if err != nil {
		t.Fatal(err)
	}
	if off != exact {
		t.Fatalf("24-byte allocation at +%d, want the exact chunk at +%d", off, exact)
	}
	if off, _ := s.Allocate(16); off != big {
		t.Fatalf("16-byte allocation at +%d, want a split of the chunk at +%d", off, big)
	}
	if s.FreeChunks() != 1 {
		t.Fatalf("%d free chunks after split, want 1", s.FreeChunks())
	}
}

func TestTrimRetreatsOverTrailingFreeChunks(t *testing.T) {
	h := newHeap(t, false)
	s := h.Space(space.KindAlloc)
	page := uint64(os.Getpagesize())

	// Objects after the first start on a page boundary of the region.
	first, err := s.Allocate(page - shm.HeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := s.Allocate(2 * page)
	b, _ := s.Allocate(2 * page)
	if err := s.Free(b, 2*page); err != nil {
		t.Fatal(err)
	}
	if err := s.Free(a, 2*page); err != nil {
		t.Fatal(err)
	}

	released, err := s.Trim()
	if err != nil {
		t.Fatalf("Trim: %v", err)
	}
	if released != 4*page {
		t.Fatalf("released %d bytes, want %d", released, 4*page)
	}
	if s.Footprint() != page-shm.HeaderSize || s.FreeChunks() != 0 {
		t.Fatalf("after trim: %s", s)
	}
	if !s.Live.Test(first) {
		t.Fatalf("trim freed the live object")
	}
	if off, err := s.Allocate(8); err != nil || off != a {
		t.Fatalf("allocation after trim at +%d (%v), want +%d", off, err, a)
	}
}
