package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/utils"
)

const defaultHistory = 64

// CycleStats describes one finished cycle.
type CycleStats struct {
	Cycle    uint32
	Policy   string
	Cause    request.Type
	Start    time.Time
	Duration time.Duration
	Pause    time.Duration // time the mutator spent stopped
	Rounds   int
	Counters heap.Counters
}

func (s CycleStats) String() string {
	return fmt.Sprintf("cycle %d (%s, %s): %s, paused %s, marked %d, freed %d objects / %s",
		s.Cycle, s.Policy, s.Cause, utils.FormatDuration(s.Duration), utils.FormatDuration(s.Pause),
		s.Counters.ObjectsMarked, s.Counters.ObjectsFreed, utils.MemorySize(s.Counters.BytesFreed))
}

// History keeps the most recent cycles of one heap.
type History struct {
	mu     sync.RWMutex
	cycles []CycleStats
	limit  int
}

func NewHistory(limit int) *History {
	return &History{limit: max(limit, 1)}
}

func (h *History) Add(s CycleStats) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cycles = append(h.cycles, s)
	if len(h.cycles) > h.limit {
		h.cycles = h.cycles[len(h.cycles)-h.limit:]
	}
}

// Cycles returns a copy, oldest first.
func (h *History) Cycles() []CycleStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]CycleStats(nil), h.cycles...)
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cycles)
}

// Summary aggregates the retained cycles.
type Summary struct {
	Cycles           int
	MeanDuration     time.Duration
	MaxDuration      time.Duration
	MeanPause        time.Duration
	MaxPause         time.Duration
	P95Pause         time.Duration
	DurationVariance float64 // normalized: variance / mean²
	ObjectsFreed     uint64
	BytesFreed       utils.MemorySize
	MeanMarked       float64
}

func (h *History) Summary() Summary {
	cycles := h.Cycles()
	if len(cycles) == 0 {
		return Summary{}
	}

	durations := make([]time.Duration, len(cycles))
	pauses := make([]int64, len(cycles))
	marked := make([]uint64, len(cycles))
	s := Summary{Cycles: len(cycles)}
	for i, c := range cycles {
		durations[i] = c.Duration
		pauses[i] = int64(c.Pause)
		marked[i] = c.Counters.ObjectsMarked
		s.MaxDuration = max(s.MaxDuration, c.Duration)
		s.MaxPause = max(s.MaxPause, c.Pause)
		s.ObjectsFreed += c.Counters.ObjectsFreed
		s.BytesFreed += utils.MemorySize(c.Counters.BytesFreed)
	}

	s.MeanDuration = time.Duration(utils.CalculateMean(durations))
	s.MeanPause = time.Duration(utils.CalculateMean(pauses))
	s.P95Pause = time.Duration(utils.Percentile(pauses, 0.95))
	s.MeanMarked = utils.CalculateMean(marked)
	s.DurationVariance = utils.CalculateDurationVariance(durations, s.MeanDuration)
	return s
}

func (s Summary) String() string {
	if s.Cycles == 0 {
		return "no cycles"
	}
	return fmt.Sprintf("%d cycles, mean %s (max %s, variance %.3f), mean pause %s (p95 %s, max %s), freed %d objects / %s",
		s.Cycles, utils.FormatDuration(s.MeanDuration), utils.FormatDuration(s.MaxDuration), s.DurationVariance,
		utils.FormatDuration(s.MeanPause), utils.FormatDuration(s.P95Pause), utils.FormatDuration(s.MaxPause),
		s.ObjectsFreed, s.BytesFreed)
}
