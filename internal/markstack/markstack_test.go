package markstack

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/fizous/gcaas/internal/space"
)

func checkIndices(t *testing.T, s *Stack) {
	t.Helper()
	front, back := s.Front(), s.Back()
	if front > back || back > uint64(s.Capacity()) {
		t.Fatalf("index invariant broken: front=%d back=%d capacity=%d", front, back, s.Capacity())
	}
	if s.Size() != int(back-front) {
		t.Fatalf("Size() = %d, want %d", s.Size(), back-front)
	}
}

func TestOverflowScenario(t *testing.T) {
	s := New("scenario", 4)

	for i := 1; i <= 4; i++ {
		if err := s.AtomicPushBack(space.MutatorAddr(i * 8)); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if s.Back() != 4 {
		t.Fatalf("back = %d after 4 pushes, want 4", s.Back())
	}

	err := s.AtomicPushBack(5 * 8)
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("fifth push error = %v, want ErrOverflow", err)
	}
	if s.Back() != 4 {
		t.Fatalf("back = %d after failed push, want 4", s.Back())
	}
	if err := s.PushBack(5 * 8); !errors.Is(err, ErrOverflow) {
		t.Fatalf("non-atomic push on full stack error = %v, want ErrOverflow", err)
	}
}

func TestIndexInvariantUnderRandomOps(t *testing.T) {
	s := New("random", 64)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 10000; i++ {
		switch rng.Intn(4) {
		case 0:
			if !s.IsFull() {
				if err := s.PushBack(space.MutatorAddr(i * 8)); err != nil {
					t.Fatalf("PushBack: %v", err)
				}
			}
		case 1:
			if !s.IsFull() {
				if err := s.AtomicPushBack(space.MutatorAddr(i * 8)); err != nil {
					t.Fatalf("AtomicPushBack: %v", err)
				}
			}
		case 2:
			s.PopBack()
		case 3:
			s.PopFront()
		}
		checkIndices(t, s)
		if s.IsEmpty() && s.Back() == uint64(s.Capacity()) {
			if err := s.Reset(); err != nil {
				t.Fatalf("Reset: %v", err)
			}
		}
	}
}

func TestPopOrder(t *testing.T) {
	s := New("order", 8)
	for _, a := range []space.MutatorAddr{8, 16, 24} {
		s.PushBack(a)
	}

	if a, ok := s.PopFront(); !ok || a != 8 {
		t.Fatalf("PopFront = %s, %v; want m:0x8", a, ok)
	}
	if a, ok := s.PopBack(); !ok || a != 24 {
		t.Fatalf("PopBack = %s, %v; want m:0x18", a, ok)
	}
	if a, ok := s.PopBack(); !ok || a != 16 {
		t.Fatalf("PopBack = %s, %v; want m:0x10", a, ok)
	}
	if _, ok := s.PopBack(); ok {
		t.Fatalf("PopBack on empty stack succeeded")
	}
	if _, ok := s.PopFront(); ok {
		t.Fatalf("PopFront on empty stack succeeded")
	}
}

func TestConcurrentAtomicPushes(t *testing.T) {
	const writers, perWriter = 8, 500
	s := New("concurrent", writers*perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.AtomicPushBack(space.MutatorAddr((w*perWriter + i + 1) * 8)); err != nil {
					t.Errorf("AtomicPushBack: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	seen := make(map[space.MutatorAddr]bool)
	s.OperateOnStack(func(a space.MutatorAddr) error {
		if seen[a] {
			t.Errorf("%s pushed twice", a)
		}
		seen[a] = true
		return nil
	})
	if len(seen) != writers*perWriter {
		t.Fatalf("saw %d distinct entries, want %d", len(seen), writers*perWriter)
	}
}

func TestOperateOnStackLeavesIndices(t *testing.T) {
	s := New("operate", 8)
	s.PushBack(8)
	s.PushBack(16)

	visited := 0
	err := s.OperateOnStack(func(a space.MutatorAddr) error {
		visited++
		return s.AtomicPushBack(a + 0x100)
	})
	if err != nil {
		t.Fatalf("OperateOnStack: %v", err)
	}
	if visited != 2 {
		t.Fatalf("visited %d entries, want the 2 present at the start", visited)
	}
	if s.Front() != 0 || s.Size() != 4 {
		t.Fatalf("front=%d size=%d, want 0 and 4", s.Front(), s.Size())
	}
}

func TestSortedLookup(t *testing.T) {
	s := New("sorted", 8)
	for _, a := range []space.MutatorAddr{40, 8, 24} {
		s.PushBack(a)
	}

	if _, err := s.ContainsSorted(8); err == nil {
		t.Fatalf("ContainsSorted before Sort succeeded")
	}
	s.Sort()
	if ok, err := s.ContainsSorted(24); err != nil || !ok {
		t.Fatalf("ContainsSorted(24) = %v, %v", ok, err)
	}
	if ok, _ := s.ContainsSorted(32); ok {
		t.Fatalf("ContainsSorted(32) found a missing entry")
	}
	s.PushBack(32)
	if _, err := s.ContainsSorted(32); err == nil {
		t.Fatalf("ContainsSorted after a push succeeded")
	}
}

func TestResize(t *testing.T) {
	s := New("resize", 2)
	s.PushBack(8)
	if err := s.Resize(4); err == nil {
		t.Fatalf("Resize of non-empty stack succeeded")
	}
	s.PopBack()
	if err := s.Resize(4); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if s.Capacity() != 4 {
		t.Fatalf("capacity = %d, want 4", s.Capacity())
	}
}

func TestRoundsWithAdvanceAndCompact(t *testing.T) {
	s := New("rounds", 8)
	for _, a := range []space.MutatorAddr{8, 16, 24} {
		s.PushBack(a)
	}

	front, back := s.Front(), s.Back()
	var seen []space.MutatorAddr
	err := s.OperateOnRange(front, back, func(a space.MutatorAddr) error {
		seen = append(seen, a)
		return s.AtomicPushBack(a + 100)
	})
	if err != nil {
		t.Fatalf("OperateOnRange: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("visited %d entries, want 3", len(seen))
	}
	if err := s.AdvanceFront(back); err != nil {
		t.Fatalf("AdvanceFront: %v", err)
	}
	if s.Size() != 3 || s.Front() != 3 {
		t.Fatalf("after round: %s", s)
	}

	if err := s.OperateOnRange(0, 3, func(space.MutatorAddr) error { return nil }); err == nil {
		t.Errorf("OperateOnRange below front succeeded")
	}
	if err := s.AdvanceFront(7); err == nil {
		t.Errorf("AdvanceFront past back succeeded")
	}

	s.Compact()
	if s.Front() != 0 || s.Back() != 3 {
		t.Fatalf("after Compact: %s", s)
	}
	got := s.Snapshot()
	want := []space.MutatorAddr{108, 116, 124}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Snapshot() = %v, want %v", got, want)
		}
	}
}
