//go:build linux

package markstack

import (
	"testing"

	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

func TestSharedStackVisibleThroughSecondMapping(t *testing.T) {
	region, err := shm.Create("markstack-test", 1<<20, 1<<20, shm.PermReadWrite, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()

	producer, off, err := NewShared("gray", region, 128)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}

	other, err := shm.Attach(region.Handle())
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer other.Close()

	consumer, err := Open("gray", other, off)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if consumer.Capacity() != 128 {
		t.Fatalf("consumer capacity = %d, want 128", consumer.Capacity())
	}

	for _, a := range []space.MutatorAddr{8, 16, 24} {
		if err := producer.AtomicPushBack(a); err != nil {
			t.Fatalf("AtomicPushBack: %v", err)
		}
	}
	if a, ok := consumer.PopFront(); !ok || a != 8 {
		t.Fatalf("consumer PopFront = %s, %v; want m:0x8", a, ok)
	}
	if producer.Size() != 2 {
		t.Fatalf("producer size = %d after consumer pop, want 2", producer.Size())
	}

	if err := consumer.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if !producer.IsEmpty() {
		t.Fatalf("producer still sees %d entries after reset", producer.Size())
	}
	if err := producer.Resize(256); err == nil {
		t.Fatalf("Resize of shared stack succeeded")
	}
}
