//go:build linux

package watch

import (
	"testing"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

func TestHeapSourceSnapshot(t *testing.T) {
	opts := heap.DefaultOptions()
	opts.Name = "watch-source-test"
	opts.ImageSize = 64 << 10
	opts.ZygoteSize = 64 << 10
	opts.AllocSize = 128 << 10
	opts.MarkStackCapacity = 256
	opts.RingCapacity = 4
	mutator, err := heap.Create(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer mutator.Close()

	if _, err := mutator.Space(space.KindAlloc).Allocate(32 << 10); err != nil {
		t.Fatal(err)
	}
	if _, err := mutator.Ring().SubmitDetached(7, request.STATS, 0); err != nil {
		t.Fatal(err)
	}

	meta, err := shm.AttachFD(mutator.Meta().FD(), mutator.Meta().Size())
	if err != nil {
		t.Fatal(err)
	}
	h, err := heap.Open(meta, mutator.LocalAttacher(), 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	src, err := NewHeapSource(h)
	if err != nil {
		t.Fatal(err)
	}
	s, err := src.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close of a borrowed heap: %v", err)
	}

	if s.Name != mutator.Meta().Name() || s.Policy != "-" {
		t.Errorf("name %q, policy %q", s.Name, s.Policy)
	}
	if len(s.Spaces) != int(space.NumKinds) {
		t.Fatalf("%d spaces", len(s.Spaces))
	}
	for _, sp := range s.Spaces {
		if sp.Entry.Kind != space.KindAlloc {
			continue
		}
		if sp.Allocated != 32<<10 || sp.Capacity != 128<<10 || sp.Usage() != 0.25 {
			t.Errorf("alloc space %+v", sp)
		}
		if sp.Entry.Offset() == 0 {
			t.Errorf("alloc space mapped at the mutator's address")
		}
	}
	if len(s.Slots) != 4 || s.RingQueued != 1 || s.StackCapacity != 256 {
		t.Errorf("ring %d slots, %d queued; stack capacity %d", len(s.Slots), s.RingQueued, s.StackCapacity)
	}
}
