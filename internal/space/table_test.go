package space

import (
	"errors"
	"sync"
	"testing"
	"unsafe"
)

func scenarioTable(t *testing.T) *Table {
	t.Helper()
	table := NewTable(DefaultAlignment)
	if err := table.Add(NewEntry(KindImage, 0x100, 0x100, 0x100), nil); err != nil {
		t.Fatalf("Add image: %v", err)
	}
	if err := table.Add(NewEntry(KindAlloc, 0x1000, 0x5000, 0x1000), nil); err != nil {
		t.Fatalf("Add alloc: %v", err)
	}
	return table
}

func TestTranslateScenario(t *testing.T) {
	table := scenarioTable(t)

	got, err := table.ToCollector(0x1500)
	if err != nil {
		t.Fatalf("ToCollector(0x1500): %v", err)
	}
	if got != 0x5500 {
		t.Fatalf("ToCollector(0x1500) = %s, want c:0x5500", got)
	}

	if _, err := table.ToCollector(0x6100); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("ToCollector(0x6100) error = %v, want ErrProtocolViolation", err)
	}
}

func TestTranslateRoundTrip(t *testing.T) {
	table := scenarioTable(t)

	for _, e := range table.Entries() {
		for a := e.MutatorBegin; a < e.MutatorEnd; a += 0x40 {
			c, err := table.ToCollector(a)
			if err != nil {
				t.Fatalf("ToCollector(%s): %v", a, err)
			}
			if MutatorAddr(int64(c)-e.Offset()) != a {
				t.Errorf("%s - offset != %s", c, a)
			}
			if !table.BelongsToCollectorSpace(c) {
				t.Errorf("%s translated to %s outside collector space", a, c)
			}
			if e.Kind == KindImage && uintptr(c) != uintptr(a) {
				t.Errorf("image address %s moved to %s", a, c)
			}
			back, err := table.ToMutator(c)
			if err != nil || back != a {
				t.Errorf("ToMutator(%s) = %s, %v; want %s", c, back, err, a)
			}
		}
	}
}

func TestTranslateNullAndChecked(t *testing.T) {
	table := scenarioTable(t)

	if c, err := table.ToCollector(0); err != nil || c != 0 {
		t.Fatalf("ToCollector(null) = %s, %v", c, err)
	}
	if c, err := table.ToCollectorChecked(0); err != nil || c != 0 {
		t.Fatalf("ToCollectorChecked(null) = %s, %v", c, err)
	}
	if _, err := table.ToCollectorChecked(0x1504); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("misaligned checked translation error = %v, want ErrProtocolViolation", err)
	}
	if c, err := table.ToCollectorChecked(0x1508); err != nil || c != 0x5508 {
		t.Fatalf("ToCollectorChecked(0x1508) = %s, %v", c, err)
	}
}

func TestNeedsTranslation(t *testing.T) {
	table := scenarioTable(t)

	if table.NeedsTranslation(0x180) {
		t.Errorf("image address reported as needing translation")
	}
	if !table.NeedsTranslation(0x1800) {
		t.Errorf("alloc address reported as not needing translation")
	}
	if table.BelongsToMutatorSpace(0x6100) {
		t.Errorf("0x6100 reported inside mutator space")
	}
}

func TestAddRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
	}{
		{"image at different address", NewEntry(KindImage, 0x100, 0x200, 0x100)},
		{"unequal lengths", Entry{Kind: KindZygote, MutatorBegin: 0x10000, MutatorEnd: 0x11000, CollectorBegin: 0x20000, CollectorEnd: 0x20800}},
		{"overlaps alloc", NewEntry(KindZygote, 0x1800, 0x9000, 0x1000)},
		{"duplicate kind", NewEntry(KindAlloc, 0x8000, 0x9000, 0x100)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := scenarioTable(t)
			if err := table.Add(tt.entry, nil); err == nil {
				t.Fatalf("Add(%s) succeeded", tt.entry)
			}
		})
	}
}

func TestReaderSeesWriterThroughTranslation(t *testing.T) {
	backing := make([]byte, 0x100)

	table := NewTable(DefaultAlignment)
	if err := table.Add(NewEntry(KindAlloc, 0x1000, 0x5000, 0x100), backing); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w := NewWriter()
	w.Map(0x1000, backing)

	if err := w.WriteRef(0x1010, 0x1040); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}
	if err := w.WriteU32(0x1018, 7); err != nil {
		t.Fatalf("WriteU32: %v", err)
	}

	r := NewReader(table)
	ref, err := r.ReadRef(0x5010)
	if err != nil {
		t.Fatalf("ReadRef: %v", err)
	}
	if ref != 0x1040 {
		t.Fatalf("ReadRef = %s, want m:0x1040", ref)
	}
	if v, err := r.ReadU32(0x5018); err != nil || v != 7 {
		t.Fatalf("ReadU32 = %d, %v; want 7", v, err)
	}
	if r.BytesRead() != 12 {
		t.Errorf("BytesRead = %d, want 12", r.BytesRead())
	}

	if _, err := r.ReadU64(0x50fc); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("read across region end error = %v, want ErrProtocolViolation", err)
	}
	if _, err := r.ReadRef(0x5004); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("misaligned ReadRef error = %v, want ErrProtocolViolation", err)
	}
}

func TestRefSlotsAreNeverTorn(t *testing.T) {
	backing := make([]uint64, 0x100/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), 0x100)

	table := NewTable(DefaultAlignment)
	if err := table.Add(NewEntry(KindAlloc, 0x1000, 0x5000, 0x100), mem); err != nil {
		t.Fatalf("Add: %v", err)
	}
	w := NewWriter()
	w.Map(0x1000, mem)
	r := NewReader(table)

	const a, b = MutatorAddr(0x1111111111111110), MutatorAddr(0x2222222222222220)
	if err := w.WriteRef(0x1008, a); err != nil {
		t.Fatalf("WriteRef: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range 20000 {
			v := a
			if i%2 == 1 {
				v = b
			}
			if err := w.WriteRef(0x1008, v); err != nil {
				t.Errorf("WriteRef: %v", err)
				return
			}
		}
	}()
	for range 20000 {
		got, err := r.ReadRef(0x5008)
		if err != nil {
			t.Fatalf("ReadRef: %v", err)
		}
		if got != a && got != b {
			t.Fatalf("ReadRef observed a torn value %s", got)
		}
	}
	wg.Wait()

	if err := w.WriteRef(0x1004, a); err == nil {
		t.Errorf("WriteRef to a misaligned slot succeeded")
	}
	if _, err := w.ReadRef(0x1004); err == nil {
		t.Errorf("ReadRef of a misaligned slot succeeded")
	}
}
