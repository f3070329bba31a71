package heap

import (
	"slices"
	"sync"
	"testing"
)

func newBitmap(t *testing.T, covered uint64) *SpaceBitmap {
	t.Helper()
	b, err := NewSpaceBitmap("test", make([]uint64, BitmapWords(covered, 8)), covered, 8)
	if err != nil {
		t.Fatalf("NewSpaceBitmap: %v", err)
	}
	return b
}

func TestBitmapSetTestClear(t *testing.T) {
	b := newBitmap(t, 4096)
	for _, off := range []uint64{0, 8, 512, 4088} {
		b.Set(off)
		if !b.Test(off) {
			t.Fatalf("bit %d not set", off)
		}
	}
	if b.Test(16) {
		t.Fatalf("bit 16 set without Set")
	}
	b.Clear(512)
	if b.Test(512) || b.Count() != 3 {
		t.Fatalf("after Clear(512): test=%v count=%d", b.Test(512), b.Count())
	}
	if b.HasOffset(4096) || b.HasOffset(12) || !b.HasOffset(4088) {
		t.Fatalf("HasOffset bounds wrong")
	}
}

func TestBitmapWalkRange(t *testing.T) {
	b := newBitmap(t, 8192)
	set := []uint64{0, 504, 512, 520, 4096, 8184}
	for _, off := range set {
		b.Set(off)
	}

	var all []uint64
	b.Walk(func(off uint64) error {
		all = append(all, off)
		return nil
	})
	if !slices.Equal(all, set) {
		t.Fatalf("Walk = %v, want %v", all, set)
	}

	var some []uint64
	b.WalkRange(512, 4097, func(off uint64) error {
		some = append(some, off)
		return nil
	})
	if want := []uint64{512, 520, 4096}; !slices.Equal(some, want) {
		t.Fatalf("WalkRange = %v, want %v", some, want)
	}
}

func TestAtomicTestAndSetHasOneWinner(t *testing.T) {
	b := newBitmap(t, 1024)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !b.AtomicTestAndSet(64) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("%d callers saw the bit clear, want 1", winners)
	}
}

func TestBitmapCopyFrom(t *testing.T) {
	a, b := newBitmap(t, 1024), newBitmap(t, 1024)
	a.Set(40)
	if err := b.CopyFrom(a); err != nil {
		t.Fatal(err)
	}
	if !b.Test(40) {
		t.Fatalf("copy lost bit 40")
	}
	if err := b.CopyFrom(newBitmap(t, 2048)); err == nil {
		t.Fatalf("CopyFrom accepted a bitmap of another size")
	}
	b.ClearAll()
	if b.Count() != 0 {
		t.Fatalf("ClearAll left %d bits", b.Count())
	}
}

func TestCardTable(t *testing.T) {
	const size = 64 * CardSize
	c, err := NewCardTable(make([]uint32, CardWords(size)), size)
	if err != nil {
		t.Fatal(err)
	}

	c.Mark(5)
	c.Mark(3*CardSize + 17)
	c.Mark(3*CardSize + 100)
	if !c.IsDirty(0) || !c.IsDirty(3*CardSize) || c.IsDirty(CardSize) {
		t.Fatalf("dirty cards wrong")
	}
	if c.DirtyCount() != 2 {
		t.Fatalf("DirtyCount = %d, want 2", c.DirtyCount())
	}

	var ranges [][2]uint64
	err = c.ScanDirty(0, size, true, func(b, e uint64) error {
		ranges = append(ranges, [2]uint64{b, e})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]uint64{{0, CardSize}, {3 * CardSize, 4 * CardSize}}
	if !slices.Equal(ranges, want) {
		t.Fatalf("ScanDirty = %v, want %v", ranges, want)
	}
	if c.DirtyCount() != 0 {
		t.Fatalf("cards still dirty after clearing scan")
	}
}
