// Package collector runs mark-sweep cycles over heaps shared with mutator
// processes and serves their requests.
package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fizous/gcaas/internal/debuglog"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/scan"
	"github.com/fizous/gcaas/internal/space"
)

// ErrUnresponsive is returned when the mutator does not acknowledge a phase
// within the acknowledgement timeout.
var ErrUnresponsive = errors.New("mutator unresponsive")

// ackPoll bounds each wait for an acknowledgement so cancellation is noticed.
const ackPoll = 50 * time.Millisecond

type EngineOptions struct {
	Name       string
	Workers    int
	AckTimeout time.Duration // non-positive waits forever
	Log        *debuglog.Logger
}

// Engine drives collection cycles over the collector's view of one heap.
type Engine struct {
	heap   *heap.Heap
	desc   *heap.Descriptor
	table  *space.Table
	reader *space.Reader
	layout objmodel.Layout
	opts   EngineOptions

	history *History
}

// NewEngine prepares to collect h, which must have been opened by this
// process. The translation table is built once here.
func NewEngine(h *heap.Heap, layout objmodel.Layout, opts EngineOptions) (*Engine, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object layout: %w", err)
	}
	table, err := h.Table()
	if err != nil {
		return nil, fmt.Errorf("failed to build translation table: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Engine{
		heap:    h,
		desc:    h.Descriptor(),
		table:   table,
		reader:  space.NewReader(table),
		layout:  layout,
		opts:    opts,
		history: NewHistory(defaultHistory),
	}, nil
}

func (e *Engine) Table() *space.Table {
	return e.table
}

func (e *Engine) Heap() *heap.Heap {
	return e.heap
}

func (e *Engine) History() *History {
	return e.history
}

// cycle carries the state of one collection.
type cycle struct {
	policy  CollectionPolicy
	marker  *Marker
	scanner *scan.Scanner
	stats   CycleStats
	paused  time.Time
}

// Collect runs one full cycle, NONE through FINISH and back to NONE. Any
// failure once the cycle has started shuts the heap's protocol down: the
// phases cannot be rewound, so the mutator is left to run without offloaded
// collection.
func (e *Engine) Collect(ctx context.Context, policy CollectionPolicy, cause request.Type) (CycleStats, error) {
	sync := e.desc.Phase()
	sync.ResetIfFinished()
	if cur := sync.Current(); cur != phase.None {
		return CycleStats{}, fmt.Errorf("cannot start a cycle at %s: %w", cur, phase.ErrOutOfOrder)
	}

	c := &cycle{policy: policy}
	c.stats = CycleStats{Policy: policy.Name, Cause: cause, Start: time.Now()}

	if err := e.run(ctx, c); err != nil {
		e.opts.Log.Debugf("%s: cycle aborted at %s: %v", e.opts.Name, sync.Current(), err)
		e.desc.Shutdown()
		return c.stats, fmt.Errorf("%s cycle aborted: %w", policy.Name, err)
	}
	return c.stats, nil
}

func (e *Engine) run(ctx context.Context, c *cycle) error {
	steps := []struct {
		phase phase.Phase
		fn    func(context.Context, *cycle) error
	}{
		{phase.PreInit, e.preInit},
		{phase.Init, e.init},
		{phase.RootMark, e.rootMark},
		{phase.RootConcMark, e.rootConcMark},
		{phase.MarkReachables, e.markReachables},
		{phase.MarkRecursive, e.drain},
		{phase.PreConcRootMark, e.preConcRootMark},
		{phase.ConcMark, e.drain},
		{phase.Reclaim, e.reclaim},
		{phase.Finish, e.finish},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.advance(step.phase); err != nil {
			return err
		}
		if err := step.fn(ctx, c); err != nil {
			return fmt.Errorf("%s: %w", step.phase, err)
		}
	}
	e.desc.Phase().ResetIfFinished()
	return nil
}

func (e *Engine) advance(p phase.Phase) error {
	sync := e.desc.Phase()
	from := sync.Current()
	if err := sync.Advance(p); err != nil {
		return err
	}
	e.opts.Log.Phase(e.opts.Name, from, p)
	return nil
}

// awaitAck waits for the mutator to acknowledge p from a safepoint.
func (e *Engine) awaitAck(ctx context.Context, p phase.Phase) error {
	var deadline time.Time
	if e.opts.AckTimeout > 0 {
		deadline = time.Now().Add(e.opts.AckTimeout)
	}
	for {
		err := e.desc.Phase().WaitForAck(p, ackPoll)
		if err == nil || !errors.Is(err, phase.ErrTimeout) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("no acknowledgement of %s after %v: %w", p, e.opts.AckTimeout, ErrUnresponsive)
		}
	}
}

func (e *Engine) preInit(_ context.Context, c *cycle) error {
	e.desc.SetPolicy(c.policy.Code)
	c.stats.Cycle = e.desc.Phase().Started()

	scanner, err := scan.New(e.reader, e.layout, e.desc.RootClass())
	if err != nil {
		return err
	}
	c.scanner = scanner
	c.marker = newMarker(e.heap, e.table, e.reader, scanner, e.layout, c.policy, e.opts.Workers)
	return nil
}

// init waits for the mutator to stop, then clears what the previous cycle
// left behind.
func (e *Engine) init(ctx context.Context, c *cycle) error {
	if err := e.awaitAck(ctx, phase.Init); err != nil {
		return err
	}
	c.paused = time.Now()
	e.desc.Stats().ResetCycle()

	if c.policy.ClearMarks {
		for _, k := range c.policy.Traced() {
			e.heap.Space(k).Mark.ClearAll()
		}
		e.heap.Space(space.KindAlloc).Cards.ClearAll()
	}
	if err := e.heap.Stack().Reset(); err != nil {
		return err
	}
	e.desc.SetImmuneRange(c.policy.ImmuneRange(e.table))
	return nil
}

func (e *Engine) rootMark(ctx context.Context, c *cycle) error {
	if err := e.awaitAck(ctx, phase.RootMark); err != nil {
		return err
	}
	return e.markRoots(c)
}

func (e *Engine) markRoots(c *cycle) error {
	for _, r := range c.policy.Roots(e.desc) {
		if err := c.marker.MarkRoot(r); err != nil {
			return err
		}
	}
	return nil
}

// rootConcMark treats the dirty cards as roots while the mutator is still
// stopped. Only allocation-space cards are cleaned; the others accumulate
// every store since the space was populated.
func (e *Engine) rootConcMark(_ context.Context, c *cycle) error {
	err := e.scanCards(c, false)
	c.stats.Pause += time.Since(c.paused)
	return err
}

func (e *Engine) scanCards(c *cycle, concurrent bool) error {
	for k := range space.Kind(space.NumKinds) {
		if err := c.marker.ScanCards(k, k == space.KindAlloc, concurrent); err != nil {
			return fmt.Errorf("%s cards: %w", k, err)
		}
	}
	return nil
}

func (e *Engine) markReachables(ctx context.Context, c *cycle) error {
	return c.marker.Round(ctx)
}

func (e *Engine) drain(ctx context.Context, c *cycle) error {
	return c.marker.Drain(ctx)
}

// preConcRootMark picks up the stores the mutator made while marking ran.
func (e *Engine) preConcRootMark(_ context.Context, c *cycle) error {
	return e.scanCards(c, true)
}

// reclaim stops the mutator again for the final remark and the sweep.
func (e *Engine) reclaim(ctx context.Context, c *cycle) error {
	if err := e.awaitAck(ctx, phase.Reclaim); err != nil {
		return err
	}
	paused := time.Now()
	defer func() { c.stats.Pause += time.Since(paused) }()

	if err := e.markRoots(c); err != nil {
		return err
	}
	if err := e.scanCards(c, false); err != nil {
		return err
	}
	if err := c.marker.Drain(ctx); err != nil {
		return err
	}

	objects, bytes, err := e.sweep(c)
	if err != nil {
		return err
	}
	stats := e.desc.Stats()
	stats.Add(&stats.ObjectsFreed, objects)
	stats.Add(&stats.BytesFreed, bytes)
	stats.Add(&stats.TotalBytesFreed, bytes)
	return nil
}

// sweep frees every allocated object in the traced spaces that is not
// marked.
func (e *Engine) sweep(c *cycle) (objects, bytes uint64, err error) {
	for _, k := range c.policy.Traced() {
		s := e.heap.Space(k)
		var dead []uint64
		s.Live.WalkRange(0, s.Footprint(), func(off uint64) error {
			if !s.Mark.Test(off) {
				dead = append(dead, off)
			}
			return nil
		})

		begin := space.CollectorAddr(s.Begin())
		for _, off := range dead {
			size, err := c.scanner.SizeOf(begin.Add(off))
			if err != nil {
				return objects, bytes, fmt.Errorf("sweep %s space at +%d: %w", k, off, err)
			}
			if err := s.Free(off, size); err != nil {
				return objects, bytes, err
			}
			objects++
			bytes += size
		}
	}
	return objects, bytes, nil
}

func (e *Engine) finish(_ context.Context, c *cycle) error {
	stats := e.desc.Stats()
	c.stats.Duration = time.Since(c.stats.Start)
	c.stats.Rounds = c.marker.Rounds()
	stats.Add(&stats.Cycles, 1)
	stats.StoreDuration(c.stats.Duration)
	c.stats.Counters = stats.Snapshot()

	e.desc.PublishCompletion(e.desc.Phase().Completed())
	e.desc.ClearConcurrentRequest()
	e.history.Add(c.stats)
	return nil
}
