package futex

import (
	"sync"
	"testing"
	"time"
)

func TestMutexExcludes(t *testing.T) {
	var m Mutex
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				Acquire(&m)
				counter++
				Release(&m)
			}
		}()
	}
	wg.Wait()

	if counter != 8000 {
		t.Fatalf("counter = %d, want 8000", counter)
	}
	if Held(&m) {
		t.Fatalf("mutex still held after all goroutines released it")
	}
}

func TestTryAcquire(t *testing.T) {
	var m Mutex
	if !TryAcquire(&m) {
		t.Fatalf("TryAcquire on free mutex failed")
	}
	if TryAcquire(&m) {
		t.Fatalf("TryAcquire on held mutex succeeded")
	}
	Release(&m)
	if !TryAcquire(&m) {
		t.Fatalf("TryAcquire after release failed")
	}
}

func TestBroadcastWakesAllWaiters(t *testing.T) {
	var m Mutex
	var c Cond
	ready := false

	const waiters = 4
	done := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			Acquire(&m)
			for !ready {
				Wait(&c, &m)
			}
			Release(&m)
			done <- struct{}{}
		}()
	}

	// Give the waiters a chance to park; correctness does not depend on it.
	time.Sleep(20 * time.Millisecond)

	Acquire(&m)
	ready = true
	Broadcast(&c)
	Release(&m)

	for i := 0; i < waiters; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("waiter %d never woke", i)
		}
	}
}

func TestWaitTimeoutExpires(t *testing.T) {
	var m Mutex
	var c Cond

	Acquire(&m)
	start := time.Now()
	woken := WaitTimeout(&c, &m, 10*time.Millisecond)
	Release(&m)

	if woken {
		t.Fatalf("WaitTimeout reported a wakeup with nobody signalling")
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("WaitTimeout returned before its deadline")
	}
	if Waiters(&c) != 0 {
		t.Fatalf("waiter count = %d after timeout, want 0", Waiters(&c))
	}
}
