package collector

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/space"
)

// Pressure classifies how close a mutator is to running out of allocation
// space.
type Pressure uint32

const (
	PressureLow Pressure = iota
	PressureModerate
	PressureHigh
	PressureCritical
)

func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureModerate:
		return "moderate"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return fmt.Sprintf("Pressure(%d)", uint32(p))
	}
}

// ClassifyPressure grades the use of an allocation space.
func ClassifyPressure(used, capacity uint64) Pressure {
	if capacity == 0 {
		return PressureCritical
	}
	switch ratio := float64(used) / float64(capacity); {
	case ratio >= 0.9:
		return PressureCritical
	case ratio >= 0.75:
		return PressureHigh
	case ratio >= 0.5:
		return PressureModerate
	default:
		return PressureLow
	}
}

// Agent is the daemon's record of one attached mutator: its heap and the
// address space entries built when it attached, its request ring, and how
// urgently it needs service.
type Agent struct {
	ID   uint32
	PID  int
	Name string

	heap   *heap.Heap
	engine *Engine
	ring   *request.Ring

	pressure     atomic.Uint32
	degraded     atomic.Bool
	pendingSince atomic.Int64 // unix nanos of the oldest unserved doorbell
	served       chan struct{}
	attached     time.Time
	requests     atomic.Uint64
}

func newAgent(id uint32, pid int, name string, h *heap.Heap, engine *Engine, ring *request.Ring) *Agent {
	return &Agent{
		ID:       id,
		PID:      pid,
		Name:     name,
		heap:     h,
		engine:   engine,
		ring:     ring,
		served:   make(chan struct{}, 1),
		attached: time.Now(),
	}
}

// Entries returns the address space entries of the agent's heap. The control
// agent has none.
func (a *Agent) Entries() []space.Entry {
	if a.engine == nil {
		return nil
	}
	return a.engine.Table().Entries()
}

func (a *Agent) Heap() *heap.Heap {
	return a.heap
}

func (a *Agent) Engine() *Engine {
	return a.engine
}

func (a *Agent) Ring() *request.Ring {
	return a.ring
}

// Outstanding returns the requests queued on the agent's ring.
func (a *Agent) Outstanding() int {
	return a.ring.Queued()
}

// Served returns the number of requests completed for the agent.
func (a *Agent) Served() uint64 {
	return a.requests.Load()
}

func (a *Agent) Pressure() Pressure {
	return Pressure(a.pressure.Load())
}

func (a *Agent) setPressure(p Pressure) {
	a.pressure.Store(uint32(p))
}

// Degraded agents had a cycle aborted. The daemon no longer collects their
// heap until they register again.
func (a *Agent) Degraded() bool {
	return a.degraded.Load()
}

// PendingSince returns when the agent's oldest unserved request was noticed,
// or the zero time.
func (a *Agent) PendingSince() time.Time {
	ns := a.pendingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (a *Agent) markPending() {
	a.pendingSince.CompareAndSwap(0, time.Now().UnixNano())
}

func (a *Agent) clearPending() {
	a.pendingSince.Store(0)
	select {
	case a.served <- struct{}{}:
	default:
	}
}

// refreshPressure reclassifies the agent from its allocation space.
func (a *Agent) refreshPressure() Pressure {
	if a.heap == nil {
		return PressureLow
	}
	alloc := a.heap.Space(space.KindAlloc)
	p := ClassifyPressure(alloc.Allocated()+alloc.Lost(), alloc.Capacity())
	a.setPressure(p)
	return p
}

func (a *Agent) String() string {
	state := "ok"
	if a.Degraded() {
		state = "degraded"
	}
	return fmt.Sprintf("agent %d (%s, pid %d): %s pressure, %d outstanding, %s",
		a.ID, a.Name, a.PID, a.Pressure(), a.Outstanding(), state)
}
