package registry

import (
	"slices"
	"sync"
	"testing"
)

func TestBaseRegistry(t *testing.T) {
	r := NewBaseRegistry[int, string]()
	if r.Add(3, "c") {
		t.Error("first Add reported a replacement")
	}
	r.Add(1, "a")
	if !r.Add(3, "C") {
		t.Error("second Add of key 3 did not report a replacement")
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}
	if v, ok := r.Get(3); !ok || v != "C" {
		t.Errorf("Get(3) = %q, %v", v, ok)
	}
	if got := r.Keys(); !slices.Equal(got, []int{1, 3}) {
		t.Errorf("Keys() = %v", got)
	}
	if got := r.Values(); !slices.Equal(got, []string{"a", "C"}) {
		t.Errorf("Values() = %v", got)
	}

	all := r.GetAll()
	all[9] = "z"
	if _, ok := r.Get(9); ok {
		t.Error("GetAll returned the live map")
	}

	if v, ok := r.Remove(1); !ok || v != "a" {
		t.Errorf("Remove(1) = %q, %v", v, ok)
	}
	if _, ok := r.Remove(1); ok {
		t.Error("second Remove(1) found an entry")
	}

	r.UpdateSize(100)
	r.UpdateSize(-40)
	if r.GetSize() != 60 {
		t.Errorf("GetSize() = %d, want 60", r.GetSize())
	}
	r.Clear()
	if r.Count() != 0 || r.GetSize() != 0 {
		t.Errorf("after Clear: count %d size %d", r.Count(), r.GetSize())
	}
}

func TestConcurrentAdds(t *testing.T) {
	r := NewBaseRegistry[int, int]()
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 100 {
				r.Add(g*100+i, i)
				r.UpdateSize(1)
			}
		}()
	}
	wg.Wait()
	if r.Count() != 800 || r.GetSize() != 800 {
		t.Errorf("count %d size %d, want 800/800", r.Count(), r.GetSize())
	}
}
