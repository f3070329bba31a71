package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/markstack"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/scan"
	"github.com/fizous/gcaas/internal/space"
)

// Marker marks objects in the collector's view of a heap. Gray objects go on
// the heap's shared mark stack as mutator addresses; grays that do not fit
// wait in an overflow list until the stack has drained.
type Marker struct {
	heap    *heap.Heap
	table   *space.Table
	reader  *space.Reader
	scanner *scan.Scanner
	layout  objmodel.Layout
	policy  CollectionPolicy
	stack   *markstack.Stack
	stats   *heap.Counters
	workers int

	mu       sync.Mutex
	overflow []space.MutatorAddr

	rounds int
}

func newMarker(h *heap.Heap, table *space.Table, reader *space.Reader, scanner *scan.Scanner,
	layout objmodel.Layout, policy CollectionPolicy, workers int) *Marker {
	return &Marker{
		heap:    h,
		table:   table,
		reader:  reader,
		scanner: scanner,
		layout:  layout,
		policy:  policy,
		stack:   h.Stack(),
		stats:   h.Descriptor().Stats(),
		workers: max(workers, 1),
	}
}

// Rounds returns the number of drain rounds run so far.
func (m *Marker) Rounds() int {
	return m.rounds
}

// Pending returns the grays waiting on the stack or in overflow.
func (m *Marker) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stack.Size() + len(m.overflow)
}

// MarkRoot marks an address the mutator published as a root.
func (m *Marker) MarkRoot(a space.MutatorAddr) error {
	if a.IsNull() {
		return nil
	}
	c, err := m.table.ToCollectorChecked(a)
	if err != nil {
		return fmt.Errorf("root %s: %w", a, err)
	}
	return m.mark(c)
}

// visit is the scan.Visitor that marks every referent.
func (m *Marker) visit(_, referent space.CollectorAddr, _ uint64, _ bool) error {
	m.stats.Add(&m.stats.RefsVisited, 1)
	return m.mark(referent)
}

// mark sets the mark bit of o and grays it if this call set the bit. Objects
// in immune spaces count as marked already.
func (m *Marker) mark(o space.CollectorAddr) error {
	if o.IsNull() {
		return nil
	}
	s, off, ok := m.heap.CollectorSpace(o)
	if !ok {
		return fmt.Errorf("mark %s: outside every space: %w", o, space.ErrProtocolViolation)
	}
	if m.policy.Immune(s.Kind()) {
		return nil
	}
	if !s.Live.Test(off) {
		return fmt.Errorf("mark %s: no object allocated at +%d in %s space: %w", o, off, s.Kind(), space.ErrProtocolViolation)
	}
	if s.Mark.AtomicTestAndSet(off) {
		return nil
	}
	m.stats.Add(&m.stats.ObjectsMarked, 1)

	a, err := m.table.ToMutator(o)
	if err != nil {
		return err
	}
	return m.push(a)
}

func (m *Marker) push(a space.MutatorAddr) error {
	err := m.stack.AtomicPushBack(a)
	if err == nil {
		return nil
	}
	if !errors.Is(err, markstack.ErrOverflow) {
		return err
	}
	m.stats.Add(&m.stats.Overflows, 1)
	m.mu.Lock()
	m.overflow = append(m.overflow, a)
	m.mu.Unlock()
	return nil
}

// scanGray scans an object taken off the mark stack.
func (m *Marker) scanGray(a space.MutatorAddr) error {
	m.stats.Add(&m.stats.ObjectsScanned, 1)
	return m.scanner.ScanObject(a, m.visit)
}

// Round scans every gray on the stack once, spread over the worker pool.
// Grays found meanwhile are left for the next round.
func (m *Marker) Round(ctx context.Context) error {
	if m.stack.IsEmpty() || m.stack.IsFull() {
		if err := m.refill(); err != nil {
			return err
		}
	}
	front, back := m.stack.Front(), m.stack.Back()
	if front == back {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	chunk := (back - front + uint64(m.workers) - 1) / uint64(m.workers)
	for from := front; from < back; from += chunk {
		to := min(from+chunk, back)
		g.Go(func() error {
			return m.stack.OperateOnRange(from, to, func(a space.MutatorAddr) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				return m.scanGray(a)
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	m.rounds++
	return m.stack.AdvanceFront(back)
}

// Drain runs rounds until no gray is left anywhere.
func (m *Marker) Drain(ctx context.Context) error {
	for m.Pending() > 0 {
		if err := m.Round(ctx); err != nil {
			return err
		}
	}
	return nil
}

// refill compacts the stack and moves overflowed grays back onto it. An
// empty private stack is grown first when the overflow would not fit.
func (m *Marker) refill() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stack.Compact()
	if len(m.overflow) == 0 {
		return nil
	}
	if !m.stack.Shared() && m.stack.IsEmpty() && len(m.overflow) > m.stack.Capacity() {
		if err := m.stack.Resize(max(2*m.stack.Capacity(), len(m.overflow))); err != nil {
			return err
		}
	}

	n := 0
	for _, a := range m.overflow {
		if err := m.stack.PushBack(a); err != nil {
			if errors.Is(err, markstack.ErrOverflow) {
				break
			}
			return err
		}
		n++
	}
	m.overflow = append(m.overflow[:0], m.overflow[n:]...)
	return nil
}

// ScanCards rescans the objects on the dirty cards of the space of kind k.
// Every live object on a dirty card of an immune space is a root; in traced
// spaces only marked objects are rescanned, since unmarked ones will be
// scanned when they are reached. A concurrent scan skips objects whose class
// the mutator has not written yet: they were allocated black and their
// stores dirty the card again.
func (m *Marker) ScanCards(k space.Kind, clearCards, concurrent bool) error {
	s := m.heap.Space(k)
	immune := m.policy.Immune(k)
	begin := space.CollectorAddr(s.Begin())

	return s.Cards.ScanDirty(0, s.Footprint(), clearCards, func(cardBegin, cardEnd uint64) error {
		m.stats.Add(&m.stats.CardsScanned, 1)
		return s.Live.WalkRange(cardBegin, cardEnd, func(off uint64) error {
			if !immune && !s.Mark.Test(off) {
				return nil
			}
			obj := begin.Add(off)
			if concurrent {
				class, err := m.reader.ReadRef(obj.Add(m.layout.ClassOffset))
				if err != nil {
					return err
				}
				if class.IsNull() {
					return nil
				}
			}
			m.stats.Add(&m.stats.ObjectsScanned, 1)
			return m.scanner.ScanTranslated(obj, m.visit)
		})
	})
}
