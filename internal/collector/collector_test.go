package collector

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/space"
	"github.com/fizous/gcaas/utils"
)

func TestPolicyLookup(t *testing.T) {
	for _, p := range Policies() {
		got, err := PolicyByName(strings.ToUpper(p.Name))
		if err != nil || got.Code != p.Code {
			t.Errorf("PolicyByName(%q) = %v, %v", p.Name, got, err)
		}
		if got, ok := PolicyByCode(p.Code); !ok || got.Name != p.Name {
			t.Errorf("PolicyByCode(%d) = %v, %v", p.Code, got, ok)
		}
	}
	if _, err := PolicyByName("generational"); err == nil || !strings.Contains(err.Error(), "generational") {
		t.Errorf("unknown policy error = %v", err)
	}
	if _, ok := PolicyByCode(0); ok {
		t.Errorf("code 0 names a policy")
	}
}

func TestPolicyTracedSpaces(t *testing.T) {
	tests := []struct {
		policy CollectionPolicy
		traced []space.Kind
	}{
		{FullPolicy, []space.Kind{space.KindZygote, space.KindAlloc}},
		{PartialPolicy, []space.Kind{space.KindAlloc}},
		{StickyPolicy, []space.Kind{space.KindAlloc}},
	}
	for _, tt := range tests {
		t.Run(tt.policy.Name, func(t *testing.T) {
			got := tt.policy.Traced()
			if len(got) != len(tt.traced) {
				t.Fatalf("Traced() = %v, want %v", got, tt.traced)
			}
			for i := range got {
				if got[i] != tt.traced[i] {
					t.Fatalf("Traced() = %v, want %v", got, tt.traced)
				}
			}
			if !tt.policy.Immune(space.KindImage) {
				t.Errorf("image space is not immune")
			}
		})
	}
	if StickyPolicy.ClearMarks || !FullPolicy.ClearMarks {
		t.Errorf("only sticky collections keep marks")
	}
}

func TestImmuneRangeIsHighestImmuneSpace(t *testing.T) {
	table := space.NewTable(8)
	for k, begin := range map[space.Kind]uintptr{space.KindImage: 0x10000, space.KindZygote: 0x20000, space.KindAlloc: 0x30000} {
		e := space.NewEntry(k, space.MutatorAddr(begin), space.CollectorAddr(begin+0x100000), 0x1000)
		if err := table.Add(e, nil); err != nil {
			t.Fatal(err)
		}
	}

	begin, end := PartialPolicy.ImmuneRange(table)
	if begin != 0x120000 || end != 0x121000 {
		t.Errorf("partial immune range [%s, %s), want the zygote", begin, end)
	}
	begin, _ = FullPolicy.ImmuneRange(table)
	if begin != 0x110000 {
		t.Errorf("full immune range starts at %s, want the image", begin)
	}
}

func TestClassifyPressure(t *testing.T) {
	tests := []struct {
		used, capacity uint64
		want           Pressure
	}{
		{0, 100, PressureLow},
		{49, 100, PressureLow},
		{50, 100, PressureModerate},
		{75, 100, PressureHigh},
		{90, 100, PressureCritical},
		{120, 100, PressureCritical},
		{0, 0, PressureCritical},
	}
	for _, tt := range tests {
		if got := ClassifyPressure(tt.used, tt.capacity); got != tt.want {
			t.Errorf("ClassifyPressure(%d, %d) = %s, want %s", tt.used, tt.capacity, got, tt.want)
		}
	}
}

func testAgent(t *testing.T, id uint32, pressure Pressure, pending time.Time, head request.Type) *Agent {
	t.Helper()
	ring, err := request.New(4)
	if err != nil {
		t.Fatal(err)
	}
	a := newAgent(id, 1000+int(id), "test", nil, nil, ring)
	a.setPressure(pressure)
	if !pending.IsZero() {
		a.pendingSince.Store(pending.UnixNano())
	}
	if head != request.NOP {
		if _, err := ring.SubmitDetached(uint32(a.PID), head, 0); err != nil {
			t.Fatal(err)
		}
	}
	return a
}

func TestNewScheduler(t *testing.T) {
	for _, name := range []string{"fifo", "Pressure"} {
		s, err := NewScheduler(name)
		if err != nil || !strings.EqualFold(s.Name(), name) {
			t.Errorf("NewScheduler(%q) = %v, %v", name, s, err)
		}
	}
	if _, err := NewScheduler("lottery"); err == nil {
		t.Errorf("NewScheduler accepted an unknown name")
	}
}

func TestFIFOScheduler(t *testing.T) {
	now := time.Now()
	a := testAgent(t, 1, PressureCritical, now, request.ALLOCATION_GC)
	b := testAgent(t, 2, PressureLow, now.Add(-time.Second), request.STATS)
	c := testAgent(t, 3, PressureLow, now.Add(-time.Second), request.TRIM)

	s := FIFOScheduler{}
	if got := s.Next([]*Agent{a, c, b}); got != b {
		t.Errorf("Next = %v, want the oldest request with the lowest ID", got)
	}
	if s.Next(nil) != nil {
		t.Errorf("Next(nil) returned an agent")
	}
}

func TestPressureScheduler(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Minute)

	tests := []struct {
		name   string
		agents []*Agent
		want   uint32
	}{
		{
			name: "pressure first",
			agents: []*Agent{
				testAgent(t, 1, PressureLow, old, request.ALLOCATION_GC),
				testAgent(t, 2, PressureHigh, now, request.CONCURRENT_GC),
			},
			want: 2,
		},
		{
			name: "allocation failure outranks explicit",
			agents: []*Agent{
				testAgent(t, 1, PressureModerate, old, request.EXPLICIT_GC),
				testAgent(t, 2, PressureModerate, now, request.ALLOCATION_GC),
			},
			want: 2,
		},
		{
			name: "collection outranks housekeeping",
			agents: []*Agent{
				testAgent(t, 1, PressureLow, old, request.TRIM),
				testAgent(t, 2, PressureLow, now, request.CONCURRENT_GC),
			},
			want: 2,
		},
		{
			name: "arrival breaks ties",
			agents: []*Agent{
				testAgent(t, 1, PressureLow, now, request.STATS),
				testAgent(t, 2, PressureLow, old, request.STATS),
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (PressureScheduler{}).Next(tt.agents); got.ID != tt.want {
				t.Errorf("Next = agent %d, want %d", got.ID, tt.want)
			}
		})
	}
}

func TestAgentPending(t *testing.T) {
	a := testAgent(t, 1, PressureLow, time.Time{}, request.NOP)
	if !a.PendingSince().IsZero() {
		t.Fatalf("new agent already pending")
	}
	a.markPending()
	first := a.PendingSince()
	a.markPending()
	if !a.PendingSince().Equal(first) {
		t.Errorf("markPending moved the arrival time")
	}
	a.clearPending()
	if !a.PendingSince().IsZero() {
		t.Errorf("clearPending left the agent pending")
	}
	select {
	case <-a.served:
	default:
		t.Errorf("clearPending did not signal the pump")
	}
	if a.Entries() != nil {
		t.Errorf("agent without a heap has entries")
	}
}

func TestHistorySummary(t *testing.T) {
	h := NewHistory(3)
	if got := h.Summary().String(); got != "no cycles" {
		t.Errorf("empty summary = %q", got)
	}
	for i := 1; i <= 4; i++ {
		h.Add(CycleStats{
			Cycle:    uint32(i),
			Policy:   "full",
			Cause:    request.EXPLICIT_GC,
			Duration: time.Duration(i*10) * time.Millisecond,
			Pause:    time.Duration(i) * time.Millisecond,
			Counters: heap.Counters{ObjectsFreed: uint64(i), BytesFreed: 1024, ObjectsMarked: uint64(10 * i)},
		})
	}

	if h.Len() != 3 || h.Cycles()[0].Cycle != 2 {
		t.Fatalf("history kept %v", h.Cycles())
	}
	s := h.Summary()
	if s.Cycles != 3 || s.MeanDuration != 30*time.Millisecond || s.MaxDuration != 40*time.Millisecond {
		t.Errorf("durations: %+v", s)
	}
	if s.MeanPause != 3*time.Millisecond || s.MaxPause != 4*time.Millisecond || s.P95Pause != 4*time.Millisecond {
		t.Errorf("pauses: %+v", s)
	}
	if s.ObjectsFreed != 9 || s.BytesFreed != utils.MemorySize(3072) || s.MeanMarked != 30 {
		t.Errorf("totals: %+v", s)
	}
	// Population variance of 20, 30, 40 over a mean of 30, squared.
	if want := (200.0 / 3) / 900; math.Abs(s.DurationVariance-want) > 1e-9 {
		t.Errorf("DurationVariance = %f, want %f", s.DurationVariance, want)
	}
	if !strings.Contains(s.String(), "3 cycles") {
		t.Errorf("String() = %q", s.String())
	}
}
