package heap

import (
	"sync/atomic"
	"time"
)

// Counters are the statistics the collector publishes in the descriptor.
// Per-cycle counters are reset when a cycle enters INIT; Cycles and
// TotalBytesFreed accumulate for the life of the heap.
type Counters struct {
	Cycles          uint64
	ObjectsMarked   uint64
	ObjectsScanned  uint64
	RefsVisited     uint64
	CardsScanned    uint64
	ObjectsFreed    uint64
	BytesFreed      uint64
	TotalBytesFreed uint64
	Overflows       uint64
	LastDurationNs  uint64
}

func (c *Counters) Add(field *uint64, n uint64) {
	atomic.AddUint64(field, n)
}

// StoreDuration records how long the last cycle took.
func (c *Counters) StoreDuration(d time.Duration) {
	atomic.StoreUint64(&c.LastDurationNs, uint64(d))
}

// LastDuration returns the duration of the last finished cycle.
func (c *Counters) LastDuration() time.Duration {
	return time.Duration(atomic.LoadUint64(&c.LastDurationNs))
}

// ResetCycle zeroes the per-cycle counters.
func (c *Counters) ResetCycle() {
	for _, f := range []*uint64{
		&c.ObjectsMarked, &c.ObjectsScanned, &c.RefsVisited, &c.CardsScanned,
		&c.ObjectsFreed, &c.BytesFreed, &c.Overflows,
	} {
		atomic.StoreUint64(f, 0)
	}
}

// Snapshot returns a consistent-enough copy for display. Each field is read
// atomically; the set as a whole is not.
func (c *Counters) Snapshot() Counters {
	return Counters{
		Cycles:          atomic.LoadUint64(&c.Cycles),
		ObjectsMarked:   atomic.LoadUint64(&c.ObjectsMarked),
		ObjectsScanned:  atomic.LoadUint64(&c.ObjectsScanned),
		RefsVisited:     atomic.LoadUint64(&c.RefsVisited),
		CardsScanned:    atomic.LoadUint64(&c.CardsScanned),
		ObjectsFreed:    atomic.LoadUint64(&c.ObjectsFreed),
		BytesFreed:      atomic.LoadUint64(&c.BytesFreed),
		TotalBytesFreed: atomic.LoadUint64(&c.TotalBytesFreed),
		Overflows:       atomic.LoadUint64(&c.Overflows),
		LastDurationNs:  atomic.LoadUint64(&c.LastDurationNs),
	}
}
