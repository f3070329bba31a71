package mutator

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/space"
)

// WorkloadSpec shapes the object graph a Workload keeps alive.
type WorkloadSpec struct {
	Lists   int // lists hanging off roots
	Length  int // nodes per list
	Cached  int // lists reachable only through a class static and the zygote cache
	Payload int // ints in each node's payload array
	Garbage int // unreachable nodes left behind by Build
	Seed    uint64
}

func DefaultWorkloadSpec() WorkloadSpec {
	return WorkloadSpec{Lists: 8, Length: 64, Cached: 4, Payload: 4, Garbage: 256, Seed: 1}
}

// Workload builds and churns linked lists of nodes in the allocation space.
// Every node has a next field and a payload int array.
type Workload struct {
	m    *Mutator
	spec WorkloadSpec
	rng  *rand.Rand

	node   space.MutatorAddr
	holder space.MutatorAddr // its one static holds the cache
	cache  space.MutatorAddr

	slots []int // root slots of the rooted lists
}

func NewWorkload(m *Mutator, spec WorkloadSpec) (*Workload, error) {
	if spec.Lists < 0 || spec.Length <= 0 || spec.Cached < 0 || spec.Payload < 0 || spec.Garbage < 0 {
		return nil, fmt.Errorf("invalid workload %+v", spec)
	}
	node, err := m.DefineClass(objmodel.ClassDef{RefFields: 2, IntFields: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to define node class: %w", err)
	}
	holder, err := m.DefineClass(objmodel.ClassDef{RefStatics: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to define holder class: %w", err)
	}
	return &Workload{
		m:      m,
		spec:   spec,
		rng:    rand.New(rand.NewPCG(spec.Seed, spec.Seed^0x9e3779b97f4a7c15)),
		node:   node,
		holder: holder,
	}, nil
}

// Build creates the rooted lists, the cache and its lists, and the garbage.
func (w *Workload) Build() error {
	err := w.m.Mutate(space.KindZygote, func(b *objmodel.Builder) error {
		cache, err := b.NewObjectArray(w.spec.Cached)
		if err != nil {
			return err
		}
		w.cache = cache
		return b.SetStatic(w.holder, 0, cache)
	})
	if err != nil {
		return fmt.Errorf("failed to build cache: %w", err)
	}

	return w.m.Mutate(space.KindAlloc, func(b *objmodel.Builder) error {
		for i := range w.spec.Cached {
			head, err := w.list(b, w.spec.Length)
			if err != nil {
				return err
			}
			if err := b.SetElement(w.cache, i, head); err != nil {
				return err
			}
		}
		for range w.spec.Lists {
			head, err := w.list(b, w.spec.Length)
			if err != nil {
				return err
			}
			slot, err := w.m.AddRoot(head)
			if err != nil {
				return err
			}
			w.slots = append(w.slots, slot)
		}
		for range w.spec.Garbage {
			if _, err := b.NewInstance(w.node); err != nil {
				return err
			}
		}
		return nil
	})
}

func (w *Workload) list(b *objmodel.Builder, n int) (space.MutatorAddr, error) {
	var head space.MutatorAddr
	for range n {
		obj, err := b.NewInstance(w.node)
		if err != nil {
			return 0, err
		}
		payload, err := b.NewIntArray(w.spec.Payload)
		if err != nil {
			return 0, err
		}
		if err := b.SetField(obj, 0, head); err != nil {
			return 0, err
		}
		if err := b.SetField(obj, 1, payload); err != nil {
			return 0, err
		}
		head = obj
	}
	return head, nil
}

// Churn replaces n randomly chosen rooted lists with fresh ones, turning the
// old ones into garbage. Allocation failures trigger a collection.
func (w *Workload) Churn(ctx context.Context, n int) error {
	if len(w.slots) == 0 {
		return nil
	}
	for range n {
		slot := w.slots[w.rng.IntN(len(w.slots))]
		err := w.m.MutateRetry(ctx, space.KindAlloc, func(b *objmodel.Builder) error {
			head, err := w.list(b, w.spec.Length)
			if err != nil {
				return err
			}
			return w.m.SetRoot(slot, head)
		})
		if err != nil {
			return fmt.Errorf("churn: %w", err)
		}
	}
	return nil
}

// Reachable is the number of objects Build and Churn keep alive: two per
// node, plus the cache array.
func (w *Workload) Reachable() int {
	n := 2 * w.spec.Length * (w.spec.Lists + w.spec.Cached)
	if w.cache != 0 {
		n++
	}
	return n
}

// Verify walks every list and fails on the first node or payload whose live
// bit is gone or whose class word has changed. It returns the objects seen.
func (w *Workload) Verify() (int, error) {
	w.m.world.Lock()
	defer w.m.world.Unlock()

	seen := 0
	var heads []space.MutatorAddr
	for _, slot := range w.slots {
		head, ok := w.m.Root(slot)
		if !ok {
			return seen, fmt.Errorf("root slot %d is empty", slot)
		}
		heads = append(heads, head)
	}
	if w.cache != 0 {
		if err := w.checkLive(w.cache); err != nil {
			return seen, err
		}
		seen++
		for i := range w.spec.Cached {
			head, err := w.m.writer.ReadRef(w.cache.Add(w.m.opts.Layout.ElementOffset(i, objmodel.RefSize)))
			if err != nil {
				return seen, err
			}
			heads = append(heads, head)
		}
	}

	offsets := w.m.image.FieldOffsets(w.node)
	for _, head := range heads {
		for obj := head; !obj.IsNull(); {
			if err := w.checkLive(obj); err != nil {
				return seen, err
			}
			class, err := w.m.writer.ReadRef(obj.Add(w.m.opts.Layout.ClassOffset))
			if err != nil {
				return seen, err
			}
			if class != w.node {
				return seen, fmt.Errorf("node %s has class %s, want %s", obj, class, w.node)
			}
			payload, err := w.m.writer.ReadRef(obj.Add(offsets[1]))
			if err != nil {
				return seen, err
			}
			if err := w.checkLive(payload); err != nil {
				return seen, err
			}
			seen += 2
			if obj, err = w.m.writer.ReadRef(obj.Add(offsets[0])); err != nil {
				return seen, err
			}
		}
	}
	return seen, nil
}

func (w *Workload) checkLive(obj space.MutatorAddr) error {
	s, off, ok := w.m.heap.MutatorSpace(obj)
	if !ok {
		return fmt.Errorf("%s lies outside the heap", obj)
	}
	if !s.Live.Test(off) {
		return fmt.Errorf("reachable object %s in %s space was freed", obj, s.Kind())
	}
	return nil
}
