package collector

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
	"github.com/fizous/gcaas/internal/registry"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

var (
	ErrDegraded   = errors.New("agent degraded")
	ErrNoHeap     = errors.New("agent has no heap")
	ErrRunning    = errors.New("daemon already running")
	ErrBadRequest = errors.New("unsupported request")
)

const controlRegionSize = 64 << 10

type DaemonOptions struct {
	Name                string
	Policy              CollectionPolicy
	Scheduler           Scheduler
	Layout              objmodel.Layout
	Workers             int
	Interval            time.Duration // ring poll interval
	AckTimeout          time.Duration
	ControlRingCapacity int
	Shared              bool
	Log                 *debuglog.Logger

	// Attacher picks how a registering mutator's spaces are mapped. Nil,
	// or a nil result, maps them through procfs.
	Attacher func(reg request.Registration) heap.Attacher

	// OnRequest is called with every request's result before the requester
	// sees it.
	OnRequest func(a *Agent, req request.Request, result uint64, err error)
}

func DefaultDaemonOptions() DaemonOptions {
	return DaemonOptions{
		Name:                "gcsvc",
		Policy:              FullPolicy,
		Scheduler:           FIFOScheduler{},
		Layout:              objmodel.DefaultLayout(),
		Workers:             4,
		Interval:            100 * time.Millisecond,
		AckTimeout:          5 * time.Second,
		ControlRingCapacity: 16,
		Shared:              true,
	}
}

// Daemon serves the requests of every attached mutator, one at a time. Each
// agent's ring is watched by its own pump goroutine, which rings the
// daemon's doorbell; the scheduler decides which ready agent goes first.
type Daemon struct {
	opts    DaemonOptions
	control *shm.Region
	ring    *request.Ring
	agents  *registry.BaseRegistry[uint32, *Agent]
	nextID  atomic.Uint32

	doorbell chan struct{}

	mu     sync.Mutex
	runCtx context.Context
	pumps  sync.WaitGroup
}

// NewDaemon creates the daemon's control region, whose ring is where
// mutators send REGISTER requests.
func NewDaemon(opts DaemonOptions) (*Daemon, error) {
	if opts.Scheduler == nil {
		opts.Scheduler = FIFOScheduler{}
	}
	if opts.Policy.Name == "" {
		opts.Policy = FullPolicy
	}
	if opts.Interval <= 0 {
		opts.Interval = 100 * time.Millisecond
	}
	if opts.ControlRingCapacity <= 0 {
		opts.ControlRingCapacity = 16
	}
	if err := opts.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object layout: %w", err)
	}

	control, err := shm.Create(opts.Name+"-control", controlRegionSize, controlRegionSize, shm.PermReadWrite, opts.Shared)
	if err != nil {
		return nil, fmt.Errorf("failed to create control region: %w", err)
	}
	ring, off, err := request.NewShared(control, opts.ControlRingCapacity)
	if err != nil {
		control.Close()
		return nil, err
	}
	if off != request.ControlRingOffset {
		control.Close()
		return nil, fmt.Errorf("control ring landed at %d, want %d", off, request.ControlRingOffset)
	}

	d := &Daemon{
		opts:     opts,
		control:  control,
		ring:     ring,
		agents:   registry.NewBaseRegistry[uint32, *Agent](),
		doorbell: make(chan struct{}, 1),
	}
	d.agents.Add(0, newAgent(0, os.Getpid(), "control", nil, nil, ring))
	return d, nil
}

// ControlHandle is what a mutator needs to register with the daemon.
func (d *Daemon) ControlHandle() shm.Handle {
	return d.control.Handle()
}

func (d *Daemon) Control() *shm.Region {
	return d.control
}

func (d *Daemon) Options() DaemonOptions {
	return d.opts
}

// Agents returns every agent, the control agent first.
func (d *Daemon) Agents() []*Agent {
	return d.agents.Values()
}

func (d *Daemon) Agent(id uint32) (*Agent, bool) {
	return d.agents.Get(id)
}

// Attach maps the heap described by reg and starts serving its ring.
func (d *Daemon) Attach(reg request.Registration) (*Agent, error) {
	h := reg.Handle()
	meta, err := shm.Attach(h)
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s: %w", h, err)
	}

	attach := heap.RemoteAttacher()
	if d.opts.Attacher != nil {
		if a := d.opts.Attacher(reg); a != nil {
			attach = a
		}
	}
	hp, err := heap.Open(meta, attach, space.DefaultAlignment, d.opts.Layout.Fingerprint())
	if err != nil {
		return nil, fmt.Errorf("failed to open heap of pid %d: %w", reg.PID, err)
	}

	id := d.nextID.Add(1)
	name := fmt.Sprintf("%s@%d", h.Name, reg.PID)
	engine, err := NewEngine(hp, d.opts.Layout, EngineOptions{
		Name:       name,
		Workers:    d.opts.Workers,
		AckTimeout: d.opts.AckTimeout,
		Log:        d.opts.Log,
	})
	if err != nil {
		hp.Close()
		return nil, err
	}

	a := newAgent(id, int(reg.PID), name, hp, engine, hp.Ring())
	a.refreshPressure()
	d.agents.Add(id, a)
	for _, s := range hp.Spaces() {
		d.agents.UpdateSize(int64(s.Capacity()))
	}
	d.opts.Log.Debugf("attached %s: %v", name, a.Entries())

	d.mu.Lock()
	if d.runCtx != nil {
		d.startPump(d.runCtx, a)
	}
	d.mu.Unlock()
	return a, nil
}

// Run serves requests until ctx is cancelled, then shuts every attached heap
// down.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return ErrRunning
	}
	d.runCtx = ctx
	for _, a := range d.agents.Values() {
		d.startPump(ctx, a)
	}
	d.mu.Unlock()
	defer d.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.doorbell:
		}
		for {
			a := d.opts.Scheduler.Next(d.ready())
			if a == nil {
				break
			}
			d.serve(ctx, a)
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}

func (d *Daemon) ready() []*Agent {
	var out []*Agent
	for _, a := range d.agents.Values() {
		if !a.PendingSince().IsZero() {
			out = append(out, a)
		}
	}
	return out
}

func (d *Daemon) startPump(ctx context.Context, a *Agent) {
	d.pumps.Add(1)
	go d.pump(ctx, a)
}

// pump waits for requests on a's ring and rings the doorbell, then waits
// until the daemon has served one before looking again.
func (d *Daemon) pump(ctx context.Context, a *Agent) {
	defer d.pumps.Done()
	for {
		err := a.ring.WaitPending(d.opts.Interval)
		switch {
		case ctx.Err() != nil, errors.Is(err, request.ErrClosed):
			return
		case err != nil:
			continue
		}

		a.markPending()
		select {
		case d.doorbell <- struct{}{}:
		default:
		}
		select {
		case <-a.served:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Daemon) serve(ctx context.Context, a *Agent) {
	defer a.clearPending()

	req, err := a.ring.Consume(d.opts.Interval)
	if err != nil {
		return
	}
	result, err := d.handle(ctx, a, req)
	if err != nil {
		result = request.ResultFailed
	}
	a.requests.Add(1)
	d.opts.Log.Request(a.Name, req, result, err)
	if d.opts.OnRequest != nil {
		d.opts.OnRequest(a, req, result, err)
	}

	if err := a.ring.Complete(req, result); err != nil {
		d.opts.Log.Debugf("%s: failed to complete %s: %v", a.Name, req, err)
	}
}

func (d *Daemon) handle(ctx context.Context, a *Agent, req request.Request) (uint64, error) {
	switch req.Type {
	case request.NOP:
		return 0, nil

	case request.REGISTER:
		reg, err := request.ReadRegistration(d.control, req.Data)
		if err != nil {
			return 0, err
		}
		agent, err := d.Attach(reg)
		if err != nil {
			return 0, err
		}
		return uint64(agent.ID), nil

	case request.CONCURRENT_GC, request.EXPLICIT_GC, request.ALLOCATION_GC:
		if a.engine == nil {
			return 0, fmt.Errorf("%s on %s: %w", req.Type, a.Name, ErrNoHeap)
		}
		if a.Degraded() {
			return 0, fmt.Errorf("%s on %s: %w", req.Type, a.Name, ErrDegraded)
		}
		stats, err := a.engine.Collect(ctx, d.policyFor(a, req.Type), req.Type)
		a.refreshPressure()
		if err != nil {
			a.degraded.Store(true)
			return 0, err
		}
		return uint64(stats.Cycle), nil

	case request.TRIM:
		if a.heap == nil {
			return 0, fmt.Errorf("%s on %s: %w", req.Type, a.Name, ErrNoHeap)
		}
		var released uint64
		for _, s := range a.heap.Spaces() {
			n, err := s.Trim()
			released += n
			if err != nil {
				return released, err
			}
		}
		return released, nil

	case request.STATS:
		a.refreshPressure()
		if a.heap == nil {
			return 0, nil
		}
		return a.heap.Space(space.KindAlloc).Allocated(), nil

	default:
		return 0, fmt.Errorf("%s: %w", req, ErrBadRequest)
	}
}

// policyFor chooses the collection for a request: explicit requests and
// allocation failures under high pressure get a full collection, the rest
// the configured policy.
func (d *Daemon) policyFor(a *Agent, t request.Type) CollectionPolicy {
	switch {
	case t == request.EXPLICIT_GC:
		return FullPolicy
	case t == request.ALLOCATION_GC && a.Pressure() >= PressureHigh:
		return FullPolicy
	default:
		return d.opts.Policy
	}
}

// stop moves every heap to POST_FINISH, closes the rings and waits for the
// pumps.
func (d *Daemon) stop() {
	d.mu.Lock()
	for _, a := range d.agents.Values() {
		if a.heap != nil {
			a.heap.Descriptor().Shutdown()
		}
		a.ring.Close()
	}
	d.mu.Unlock()
	d.pumps.Wait()
}

// Close unmaps every attached heap and the control region. Call it after Run
// has returned.
func (d *Daemon) Close() error {
	var errs []error
	for _, a := range d.agents.Values() {
		if a.heap != nil {
			errs = append(errs, a.heap.Close())
		}
	}
	d.agents.Clear()
	errs = append(errs, d.control.Close())
	return errors.Join(errs...)
}

func (d *Daemon) String() string {
	return fmt.Sprintf("daemon %s: %d agents, %s policy, %s scheduler",
		d.opts.Name, d.agents.Count()-1, d.opts.Policy, d.opts.Scheduler.Name())
}
