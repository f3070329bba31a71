package watch

import (
	"fmt"
	"time"

	"github.com/fizous/gcaas/internal/collector"
	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/phase"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

// Source produces snapshots of a shared heap.
type Source interface {
	Snapshot() (Snapshot, error)
	Close() error
}

// Snapshot is everything the watcher shows, read from the heap descriptor
// without taking part in the phase protocol. Fields are read one at a time
// and may straddle a phase change.
type Snapshot struct {
	Time       time.Time
	Name       string
	MutatorPID int

	Phase     phase.Phase
	Acked     phase.Phase
	Started   uint32
	Completed uint32
	Policy    string

	ImmuneBegin         space.CollectorAddr
	ImmuneEnd           space.CollectorAddr
	ConcurrentRequested bool
	Roots               int
	RootCapacity        int

	Counters     heap.Counters
	LastDuration time.Duration

	Spaces        []SpaceSnapshot
	StackSize     int
	StackCapacity int

	Slots      []request.Slot
	RingQueued int
	RingClosed bool
}

type SpaceSnapshot struct {
	Entry      space.Entry
	Capacity   uint64
	Footprint  uint64
	Allocated  uint64
	Objects    uint64
	FreeChunks int
	Marked     int
	DirtyCards int
}

// Usage is the allocated share of the space's capacity.
func (s SpaceSnapshot) Usage() float64 {
	if s.Capacity == 0 {
		return 0
	}
	return float64(s.Allocated) / float64(s.Capacity)
}

// HeapSource reads snapshots from an opened heap.
type HeapSource struct {
	heap  *heap.Heap
	table *space.Table
	owned bool
}

// Attach maps the heap whose metadata region is fd in process pid.
func Attach(pid, fd int) (*HeapSource, error) {
	meta, err := shm.Attach(shm.Handle{Name: "meta", PID: pid, FD: fd, Perms: shm.PermReadWrite})
	if err != nil {
		return nil, fmt.Errorf("failed to attach pid %d fd %d: %w", pid, fd, err)
	}
	h, err := heap.Open(meta, heap.RemoteAttacher(), space.DefaultAlignment, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open heap of pid %d: %w", pid, err)
	}
	s, err := NewHeapSource(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewHeapSource watches h, which stays owned by the caller.
func NewHeapSource(h *heap.Heap) (*HeapSource, error) {
	table, err := h.Table()
	if err != nil {
		return nil, err
	}
	return &HeapSource{heap: h, table: table}, nil
}

func (s *HeapSource) Snapshot() (Snapshot, error) {
	desc := s.heap.Descriptor()
	sync := desc.Phase()
	ring := s.heap.Ring()
	stack := s.heap.Stack()

	snap := Snapshot{
		Time:                time.Now(),
		Name:                s.heap.Meta().Name(),
		MutatorPID:          desc.MutatorPID(),
		Phase:               sync.Current(),
		Acked:               sync.Acked(),
		Started:             sync.Started(),
		Completed:           sync.Completed(),
		Policy:              "-",
		ConcurrentRequested: desc.ConcurrentRequested(),
		Roots:               len(desc.Roots()),
		RootCapacity:        desc.RootCapacity(),
		Counters:            desc.Stats().Snapshot(),
		LastDuration:        desc.Stats().LastDuration(),
		StackSize:           stack.Size(),
		StackCapacity:       stack.Capacity(),
		Slots:               ring.Slots(),
		RingQueued:          ring.Queued(),
		RingClosed:          ring.Closed(),
	}
	snap.ImmuneBegin, snap.ImmuneEnd = desc.ImmuneRange()
	if p, ok := collector.PolicyByCode(desc.Policy()); ok {
		snap.Policy = p.Name
	}

	for _, sp := range s.heap.Spaces() {
		entry, ok := s.table.Entry(sp.Kind())
		if !ok {
			continue
		}
		snap.Spaces = append(snap.Spaces, SpaceSnapshot{
			Entry:      entry,
			Capacity:   sp.Capacity(),
			Footprint:  sp.Footprint(),
			Allocated:  sp.Allocated(),
			Objects:    sp.Objects(),
			FreeChunks: sp.FreeChunks(),
			Marked:     sp.Mark.Count(),
			DirtyCards: sp.Cards.DirtyCount(),
		})
	}
	return snap, nil
}

func (s *HeapSource) Close() error {
	if !s.owned {
		return nil
	}
	return s.heap.Close()
}
