package space

import "fmt"

// Entry describes one logical region as seen from both processes. Both ranges
// have the same length; the image region is additionally mapped at the same
// address on both sides.
type Entry struct {
	Kind Kind

	MutatorBegin MutatorAddr
	MutatorEnd   MutatorAddr

	CollectorBegin CollectorAddr
	CollectorEnd   CollectorAddr
}

// NewEntry builds an entry of size bytes starting at the two given bases.
func NewEntry(kind Kind, mutatorBegin MutatorAddr, collectorBegin CollectorAddr, size uint64) Entry {
	return Entry{
		Kind:           kind,
		MutatorBegin:   mutatorBegin,
		MutatorEnd:     mutatorBegin.Add(size),
		CollectorBegin: collectorBegin,
		CollectorEnd:   collectorBegin.Add(size),
	}
}

// Size returns the length of the region in bytes.
func (e Entry) Size() uint64 {
	return uint64(e.MutatorEnd - e.MutatorBegin)
}

// Offset is collectorBegin - mutatorBegin.
func (e Entry) Offset() int64 {
	return int64(e.CollectorBegin) - int64(e.MutatorBegin)
}

func (e Entry) ContainsMutator(a MutatorAddr) bool {
	return a >= e.MutatorBegin && a < e.MutatorEnd
}

func (e Entry) ContainsCollector(a CollectorAddr) bool {
	return a >= e.CollectorBegin && a < e.CollectorEnd
}

// Validate checks the length and image-identity invariants.
func (e Entry) Validate() error {
	if e.MutatorEnd < e.MutatorBegin || e.CollectorEnd < e.CollectorBegin {
		return fmt.Errorf("%s: inverted range", e)
	}
	if uint64(e.MutatorEnd-e.MutatorBegin) != uint64(e.CollectorEnd-e.CollectorBegin) {
		return fmt.Errorf("%s: mutator and collector ranges differ in length", e)
	}
	if e.Kind == KindImage && uintptr(e.MutatorBegin) != uintptr(e.CollectorBegin) {
		return fmt.Errorf("%s: image must be mapped at the same address in both processes", e)
	}
	return nil
}

func (e Entry) String() string {
	return fmt.Sprintf("%s [%s, %s) -> [%s, %s)", e.Kind,
		e.MutatorBegin, e.MutatorEnd, e.CollectorBegin, e.CollectorEnd)
}
