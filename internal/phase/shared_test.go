//go:build linux

package phase

import (
	"testing"
	"time"

	"github.com/fizous/gcaas/internal/shm"
)

func TestSyncThroughSecondMapping(t *testing.T) {
	region, err := shm.Create("phase-test", 1<<16, 1<<16, shm.PermReadWrite, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()
	off, err := region.AllocRecord(Size)
	if err != nil {
		t.Fatalf("AllocRecord: %v", err)
	}

	other, err := shm.AttachFD(region.FD(), region.Size())
	if err != nil {
		t.Fatalf("AttachFD: %v", err)
	}
	defer other.Close()

	collector := (*Sync)(region.Pointer(off))
	mutator := (*Sync)(other.Pointer(off))

	done := make(chan error, 1)
	go func() {
		if err := mutator.WaitFor(RootMark, 5*time.Second); err != nil {
			done <- err
			return
		}
		mutator.Ack(RootMark)
		done <- mutator.WaitCompleted(1, 5*time.Second)
	}()

	for _, p := range Cycle() {
		if err := collector.Advance(p); err != nil {
			t.Fatal(err)
		}
		if p == RootMark {
			if err := collector.WaitForAck(RootMark, 5*time.Second); err != nil {
				t.Fatalf("WaitForAck: %v", err)
			}
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("mutator side: %v", err)
	}
	if mutator.Current() != Finish {
		t.Fatalf("mutator sees %s, want FINISH", mutator.Current())
	}
}
