package mutator

import (
	"context"
	"errors"
	"time"

	"github.com/fizous/gcaas/internal/phase"
)

// needsAck reports whether the collector waits at p for the mutator to stop.
func needsAck(p phase.Phase) bool {
	return p == phase.Init || p == phase.RootMark || p == phase.Reclaim
}

// holdsWorld reports whether the mutator stays stopped during p.
func holdsWorld(p phase.Phase) bool {
	return needsAck(p) || p == phase.RootConcMark
}

// Start runs the safepoint goroutine until ctx is done, Stop is called or the
// collector shuts the heap down.
func (m *Mutator) Start(ctx context.Context) error {
	if m.done != nil {
		return ErrStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.safepoints(ctx)
	return nil
}

// Stop ends the safepoint goroutine and waits for it.
func (m *Mutator) Stop() {
	if m.done == nil {
		return
	}
	m.cancel()
	<-m.done
}

func (m *Mutator) safepoints(ctx context.Context) {
	defer close(m.done)
	sync := m.heap.Descriptor().Phase()

	for ctx.Err() == nil {
		p := sync.Current()
		switch {
		case p == phase.PostFinish:
			m.opts.Log.Debugf("collector shut down, safepoints stopped")
			return
		case needsAck(p) && sync.Acked() != p:
			if err := m.Safepoint(ctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					m.opts.Log.Debugf("safepoint at %s: %v", p, err)
				}
				if errors.Is(err, phase.ErrShutdown) || ctx.Err() != nil {
					return
				}
			}
			continue
		}
		if _, err := sync.WaitChange(p, m.opts.Poll); errors.Is(err, phase.ErrShutdown) {
			return
		}
	}
}

// Safepoint checks the collector's phase once and, if it is waiting for this
// mutator, stops until the collector lets it go again. A mutator that runs
// without the safepoint goroutine calls it between mutations. It must not be
// called from inside Mutate.
func (m *Mutator) Safepoint(ctx context.Context) error {
	sync := m.heap.Descriptor().Phase()
	p := sync.Current()
	if p == phase.PostFinish {
		return phase.ErrShutdown
	}
	if !needsAck(p) || sync.Acked() == p {
		return nil
	}
	return m.stopTheWorld(ctx, p)
}

// stopTheWorld parks the mutator from p until the collector moves past the
// stopped phases: INIT through ROOT_CONC_MARK, or RECLAIM. Roots are
// republished at every acknowledged phase after INIT.
func (m *Mutator) stopTheWorld(ctx context.Context, p phase.Phase) error {
	m.world.Lock()
	defer m.world.Unlock()

	start := time.Now()
	defer func() {
		m.pauses.Add(1)
		m.pauseNanos.Add(int64(time.Since(start)))
	}()

	sync := m.heap.Descriptor().Phase()
	for holdsWorld(p) {
		if needsAck(p) && sync.Acked() != p {
			if p != phase.Init {
				if err := m.publishRoots(); err != nil {
					return err
				}
			}
			sync.Ack(p)
			m.opts.Log.Debugf("acknowledged %s", p)
		}
		next, err := m.waitChange(ctx, p)
		if err != nil {
			return err
		}
		p = next
	}
	return nil
}

func (m *Mutator) waitChange(ctx context.Context, last phase.Phase) (phase.Phase, error) {
	sync := m.heap.Descriptor().Phase()
	for {
		next, err := sync.WaitChange(last, m.opts.Poll)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, phase.ErrTimeout) {
			return 0, err
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
	}
}
