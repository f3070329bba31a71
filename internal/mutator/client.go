package mutator

import (
	"context"
	"errors"
	"fmt"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
)

// ErrRequestFailed is returned when the daemon completed a request with the
// failure result.
var ErrRequestFailed = errors.New("daemon failed the request")

// RequestGC asks the daemon for a collection and waits for it. It returns the
// number of the cycle that served the request. A concurrent request while
// another is already pending waits for that one instead.
func (m *Mutator) RequestGC(ctx context.Context, t request.Type) (uint32, error) {
	if !t.IsCollection() {
		return 0, fmt.Errorf("%s is not a collection request", t)
	}
	desc := m.heap.Descriptor()
	if t == request.CONCURRENT_GC && !desc.TryRequestConcurrent() {
		target := desc.LastCompleted() + 1
		return target, m.waitCompletion(ctx, target)
	}

	result, err := m.call(ctx, m.heap.Ring(), t, 0)
	if err != nil {
		if t == request.CONCURRENT_GC {
			desc.ClearConcurrentRequest()
		}
		return 0, err
	}
	return uint32(result), nil
}

// Trim asks the daemon to release free pages and returns the bytes released.
func (m *Mutator) Trim(ctx context.Context) (uint64, error) {
	return m.call(ctx, m.heap.Ring(), request.TRIM, 0)
}

// Ping sends a NOP, which the daemon completes without doing anything.
func (m *Mutator) Ping(ctx context.Context) error {
	_, err := m.call(ctx, m.heap.Ring(), request.NOP, 0)
	return err
}

// Stats asks the daemon to refresh its view of this heap and returns the
// bytes allocated in the allocation space.
func (m *Mutator) Stats(ctx context.Context) (uint64, error) {
	return m.call(ctx, m.heap.Ring(), request.STATS, 0)
}

// Register hands this heap to the daemon whose control region is control and
// returns the agent ID the daemon assigned.
func (m *Mutator) Register(ctx context.Context, control shm.Handle) (uint32, error) {
	region, err := shm.Attach(control)
	if err != nil {
		return 0, fmt.Errorf("failed to attach control region %s: %w", control, err)
	}
	defer region.Close()

	reg := request.NewRegistration(m.heap.Handle(), heap.DescriptorOffset, m.opts.Layout.Fingerprint())
	off, err := request.WriteRegistration(region, reg)
	if err != nil {
		return 0, err
	}
	ring, err := request.Open(region, request.ControlRingOffset)
	if err != nil {
		return 0, fmt.Errorf("failed to open control ring: %w", err)
	}
	id, err := m.call(ctx, ring, request.REGISTER, off)
	if err != nil {
		return 0, fmt.Errorf("registration with %s: %w", control, err)
	}
	m.opts.Log.Debugf("registered with %s as agent %d", control, id)
	return uint32(id), nil
}

// call submits one request on ring and waits for its result.
func (m *Mutator) call(ctx context.Context, ring *request.Ring, t request.Type, data uint64) (uint64, error) {
	if m.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.RequestTimeout)
		defer cancel()
	}

	ticket, err := ring.Submit(m.pid, t, data)
	if err != nil {
		return 0, fmt.Errorf("submit %s: %w", t, err)
	}
	for {
		result, err := ring.WaitComplete(ticket, m.opts.Poll)
		switch {
		case err == nil:
			if result == request.ResultFailed {
				return 0, fmt.Errorf("%s: %w", t, ErrRequestFailed)
			}
			return result, nil
		case !errors.Is(err, request.ErrTimeout):
			ring.Abandon(ticket)
			return 0, fmt.Errorf("wait for %s: %w", t, err)
		}
		if err := ctx.Err(); err != nil {
			// The daemon may still complete it; the slot must go back to NONE.
			ring.Abandon(ticket)
			return 0, fmt.Errorf("wait for %s: %w", t, err)
		}
	}
}

func (m *Mutator) waitCompletion(ctx context.Context, cycle uint32) error {
	desc := m.heap.Descriptor()
	for {
		err := desc.WaitForCompletion(cycle, m.opts.Poll)
		if err == nil || !errors.Is(err, heap.ErrTimeout) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
