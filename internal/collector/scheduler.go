package collector

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fizous/gcaas/internal/request"
)

// Scheduler picks which of the agents with pending requests the daemon
// serves next.
type Scheduler interface {
	Name() string
	Next(ready []*Agent) *Agent
}

// NewScheduler returns the scheduler called name: fifo or pressure.
func NewScheduler(name string) (Scheduler, error) {
	switch strings.ToLower(name) {
	case "fifo":
		return FIFOScheduler{}, nil
	case "pressure":
		return PressureScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q (want fifo or pressure)", name)
	}
}

// FIFOScheduler serves agents in the order their requests arrived.
type FIFOScheduler struct{}

func (FIFOScheduler) Name() string { return "fifo" }

func (FIFOScheduler) Next(ready []*Agent) *Agent {
	if len(ready) == 0 {
		return nil
	}
	return slices.MinFunc(ready, compareArrival)
}

// PressureScheduler serves the agent under the most memory pressure first.
// Among equals, collections outrank housekeeping, allocation failures
// outrank explicit requests which outrank concurrent ones, and ties after
// that go in arrival order.
type PressureScheduler struct{}

func (PressureScheduler) Name() string { return "pressure" }

func (PressureScheduler) Next(ready []*Agent) *Agent {
	if len(ready) == 0 {
		return nil
	}
	return slices.MinFunc(ready, func(a, b *Agent) int {
		if pa, pb := a.Pressure(), b.Pressure(); pa != pb {
			return int(pb) - int(pa)
		}
		if ra, rb := headRank(a), headRank(b); ra != rb {
			return rb - ra
		}
		return compareArrival(a, b)
	})
}

func compareArrival(a, b *Agent) int {
	if c := comparePending(a.PendingSince(), b.PendingSince()); c != 0 {
		return c
	}
	return int(a.ID) - int(b.ID)
}

func comparePending(a, b time.Time) int {
	switch {
	case a.IsZero() && b.IsZero():
		return 0
	case a.IsZero():
		return 1
	case b.IsZero():
		return -1
	}
	return a.Compare(b)
}

// headRank orders request types by urgency.
func headRank(a *Agent) int {
	req, ok := a.ring.Peek()
	if !ok {
		return 0
	}
	switch req.Type {
	case request.ALLOCATION_GC:
		return 5
	case request.EXPLICIT_GC:
		return 4
	case request.CONCURRENT_GC:
		return 3
	case request.REGISTER:
		return 2
	case request.TRIM, request.STATS:
		return 1
	default:
		return 0
	}
}
