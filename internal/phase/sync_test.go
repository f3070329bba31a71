package phase

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNextWrapsAtFinish(t *testing.T) {
	tests := []struct {
		from, want Phase
	}{
		{None, PreInit},
		{Init, RootMark},
		{ConcMark, Reclaim},
		{Finish, None},
		{PostFinish, PostFinish},
	}
	for _, tt := range tests {
		if got := tt.from.Next(); got != tt.want {
			t.Errorf("%s.Next() = %s, want %s", tt.from, got, tt.want)
		}
	}

	for p := None; p <= PostFinish; p++ {
		got, err := Parse(p.String())
		if err != nil || got != p {
			t.Errorf("Parse(%q) = %s, %v", p.String(), got, err)
		}
	}
}

// runCycle drives one cycle from the collector side, waiting for the
// mutator to acknowledge every phase.
func runCycle(t *testing.T, s *Sync) {
	t.Helper()
	for _, p := range Cycle() {
		if err := s.Advance(p); err != nil {
			t.Errorf("Advance(%s): %v", p, err)
			return
		}
		if err := s.WaitForAck(p, 5*time.Second); err != nil {
			t.Errorf("WaitForAck(%s): %v", p, err)
			return
		}
	}
	if !s.ResetIfFinished() {
		t.Errorf("ResetIfFinished did not reset after FINISH")
	}
}

func TestPhaseMonotonicity(t *testing.T) {
	s := &Sync{}
	var observed []Phase

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := None
		for {
			p, err := s.WaitChange(last, 5*time.Second)
			if err != nil {
				t.Errorf("WaitChange(%s): %v", last, err)
				return
			}
			observed = append(observed, p)
			if p == None {
				return
			}
			s.Ack(p)
			last = p
		}
	}()

	runCycle(t, s)
	wg.Wait()

	want := append(Cycle(), None)
	if !slices.Equal(observed, want) {
		t.Fatalf("observed %v, want %v", observed, want)
	}
	if s.Started() != 1 || s.Completed() != 1 {
		t.Fatalf("cycles = %d/%d, want 1/1", s.Completed(), s.Started())
	}
}

func TestAdvanceRejectsSkipsAndRevisits(t *testing.T) {
	s := &Sync{}
	if err := s.Advance(Init); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("skip from NONE: %v", err)
	}
	if err := s.Advance(PreInit); err != nil {
		t.Fatal(err)
	}
	if err := s.Advance(PreInit); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("revisit PRE_INIT: %v", err)
	}
	if err := s.Advance(PostFinish); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("jump to POST_FINISH: %v", err)
	}
	if s.ResetIfFinished() {
		t.Fatalf("reset mid-cycle")
	}
	if s.Current() != PreInit {
		t.Fatalf("phase = %s after rejected transitions, want PRE_INIT", s.Current())
	}
}

func TestShutdownWakesWaiters(t *testing.T) {
	s := &Sync{}
	errs := make(chan error, 3)
	for range 3 {
		go func() {
			errs <- s.WaitCompleted(1, 0)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	s.Shutdown()
	for range 3 {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrShutdown) {
				t.Fatalf("waiter returned %v, want ErrShutdown", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter not woken by Shutdown")
		}
	}
	if err := s.Advance(PreInit); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Advance after shutdown: %v", err)
	}
}

func TestWaitTimeout(t *testing.T) {
	s := &Sync{}
	start := time.Now()
	err := s.WaitFor(RootMark, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitFor = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("returned before the deadline")
	}
}

func TestWaitCompletedAcrossCycles(t *testing.T) {
	s := &Sync{}
	done := make(chan error, 1)
	go func() {
		done <- s.WaitCompleted(2, 5*time.Second)
	}()

	for range 2 {
		for _, p := range Cycle() {
			if err := s.Advance(p); err != nil {
				t.Fatal(err)
			}
		}
		s.ResetIfFinished()
	}
	if err := <-done; err != nil {
		t.Fatalf("WaitCompleted: %v", err)
	}
}
