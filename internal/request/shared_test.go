//go:build linux

package request

import (
	"testing"
	"time"

	"github.com/fizous/gcaas/internal/shm"
)

func TestRingAcrossMappings(t *testing.T) {
	region, err := shm.Create("ring-test", 1<<16, 1<<16, shm.PermReadWrite, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer region.Close()

	producer, off, err := NewShared(region, 8)
	if err != nil {
		t.Fatalf("NewShared: %v", err)
	}
	regOff, err := WriteRegistration(region, NewRegistration(region.Handle(), 0x80, 0xfeed))
	if err != nil {
		t.Fatalf("WriteRegistration: %v", err)
	}

	other, err := shm.AttachFD(region.FD(), region.Size())
	if err != nil {
		t.Fatalf("AttachFD: %v", err)
	}
	defer other.Close()
	consumer, err := Open(other, off)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ticket, err := producer.Submit(uint32(region.Handle().PID), REGISTER, regOff)
	if err != nil {
		t.Fatal(err)
	}
	req, err := consumer.Consume(time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	rec, err := ReadRegistration(other, req.Data)
	if err != nil {
		t.Fatalf("ReadRegistration: %v", err)
	}
	if h := rec.Handle(); h.Name != "ring-test" || h.Size != region.Size() || rec.Descriptor != 0x80 || rec.Fingerprint != 0xfeed {
		t.Fatalf("registration = %+v, handle %s", rec, h)
	}
	if err := consumer.Complete(req, 1); err != nil {
		t.Fatal(err)
	}
	if result, err := producer.WaitComplete(ticket, time.Second); err != nil || result != 1 {
		t.Fatalf("WaitComplete = %d, %v", result, err)
	}
	if _, err := ReadRegistration(other, 1<<15); err == nil {
		t.Fatalf("ReadRegistration accepted an offset past the allocated records")
	}
}
