package watch

import (
	"sync"
	"time"

	"github.com/fizous/gcaas/utils"
)

// CycleSample is what the watcher saw of one finished cycle.
type CycleSample struct {
	Cycle      uint64
	Seen       time.Time
	Duration   time.Duration
	Marked     uint64
	Freed      uint64
	BytesFreed uint64
}

// Tracker turns the descriptor's cycle counter into a history of cycles.
// Counters only describe the latest cycle, so cycles that finish between
// two snapshots are counted as missed.
type Tracker struct {
	mu      sync.RWMutex
	samples []CycleSample
	limit   int
	last    uint64
	primed  bool
	missed  uint64
}

func NewTracker(limit int) *Tracker {
	return &Tracker{limit: max(limit, 1)}
}

// Observe records the cycle in s if it is new and reports whether it was.
func (t *Tracker) Observe(s Snapshot) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cycles := s.Counters.Cycles
	if t.primed && cycles <= t.last {
		return false
	}
	if t.primed && cycles > t.last+1 {
		t.missed += cycles - t.last - 1
	}
	t.primed = true
	t.last = cycles
	if cycles == 0 || s.Phase.InCycle() {
		// Counters already belong to the next cycle.
		return false
	}

	t.samples = append(t.samples, CycleSample{
		Cycle:      cycles,
		Seen:       s.Time,
		Duration:   s.LastDuration,
		Marked:     s.Counters.ObjectsMarked,
		Freed:      s.Counters.ObjectsFreed,
		BytesFreed: s.Counters.BytesFreed,
	})
	if len(t.samples) > t.limit {
		t.samples = t.samples[len(t.samples)-t.limit:]
	}
	return true
}

func (t *Tracker) Samples() []CycleSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]CycleSample(nil), t.samples...)
}

// Recent returns up to n samples, newest first.
func (t *Tracker) Recent(n int) []CycleSample {
	samples := t.Samples()
	out := make([]CycleSample, 0, min(n, len(samples)))
	for i := len(samples) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, samples[i])
	}
	return out
}

func (t *Tracker) Missed() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.missed
}

// FreedSeries returns the KB freed by each sampled cycle.
func (t *Tracker) FreedSeries() []float64 {
	samples := t.Samples()
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = utils.MemorySize(s.BytesFreed).KB()
	}
	return out
}

// MarkedSeries returns the objects marked by each sampled cycle.
func (t *Tracker) MarkedSeries() []float64 {
	samples := t.Samples()
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s.Marked)
	}
	return out
}

// MeanDuration averages the sampled cycle durations.
func (t *Tracker) MeanDuration() time.Duration {
	samples := t.Samples()
	durations := make([]time.Duration, len(samples))
	for i, s := range samples {
		durations[i] = s.Duration
	}
	return time.Duration(utils.CalculateMean(durations))
}

// MarkedTrend is the per-cycle slope of the live set, relative to its mean.
// A rising live set with flat frees usually means the mutator is leaking.
func (t *Tracker) MarkedTrend() float64 {
	return utils.Trend(t.MarkedSeries())
}
