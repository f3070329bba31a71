package space

import (
	"errors"
	"fmt"
	"strings"
)

// ErrProtocolViolation means the collector was handed an address that no
// region accounts for, or one that is misaligned. The two processes' views of
// the heap have diverged; the current cycle cannot continue.
var ErrProtocolViolation = errors.New("protocol violation")

// DefaultAlignment is the object alignment granularity of the heap.
const DefaultAlignment = 8

// Table is the address translation table for one attached mutator. It is
// built once at attach time and is read-only afterwards.
type Table struct {
	entries   []Entry
	offsets   []int64
	views     [][]byte
	alignment uint64
}

// NewTable creates an empty table checking object alignment at alignment bytes.
func NewTable(alignment uint64) *Table {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	return &Table{alignment: alignment}
}

// Add registers e. view, if non-nil, is the collector's mapping of the region
// and must be exactly e.Size() bytes long.
func (t *Table) Add(e Entry, view []byte) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if view != nil && uint64(len(view)) != e.Size() {
		return fmt.Errorf("%s: view is %d bytes, want %d", e, len(view), e.Size())
	}
	for _, other := range t.entries {
		if other.Kind == e.Kind {
			return fmt.Errorf("%s: duplicate %s region", e, e.Kind)
		}
		if e.MutatorBegin < other.MutatorEnd && other.MutatorBegin < e.MutatorEnd {
			return fmt.Errorf("%s overlaps %s in mutator space", e, other)
		}
		if e.CollectorBegin < other.CollectorEnd && other.CollectorBegin < e.CollectorEnd {
			return fmt.Errorf("%s overlaps %s in collector space", e, other)
		}
	}

	t.entries = append(t.entries, e)
	t.offsets = append(t.offsets, e.Offset())
	t.views = append(t.views, view)
	return nil
}

// Entries returns a copy of the registered entries.
func (t *Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Entry returns the region of the given kind.
func (t *Table) Entry(kind Kind) (Entry, bool) {
	for _, e := range t.entries {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// Alignment returns the object alignment the table checks against.
func (t *Table) Alignment() uint64 {
	return t.alignment
}

// ToCollector rebases a mutator address into collector space. Null stays
// null. An address outside every region is a protocol violation.
func (t *Table) ToCollector(a MutatorAddr) (CollectorAddr, error) {
	if a == 0 {
		return 0, nil
	}
	for i := range t.entries {
		if t.entries[i].ContainsMutator(a) {
			return CollectorAddr(int64(a) + t.offsets[i]), nil
		}
	}
	return 0, fmt.Errorf("translate %s: outside every mutator region: %w", a, ErrProtocolViolation)
}

// ToCollectorChecked is ToCollector for addresses that did not come from the
// scanner's own traversal, such as cached roots. It also rejects misaligned
// addresses.
func (t *Table) ToCollectorChecked(a MutatorAddr) (CollectorAddr, error) {
	if a == 0 {
		return 0, nil
	}
	if uint64(a)%t.alignment != 0 {
		return 0, fmt.Errorf("translate %s: not %d-byte aligned: %w", a, t.alignment, ErrProtocolViolation)
	}
	return t.ToCollector(a)
}

// ToMutator rebases a collector address back into mutator space.
func (t *Table) ToMutator(a CollectorAddr) (MutatorAddr, error) {
	if a == 0 {
		return 0, nil
	}
	for i := range t.entries {
		if t.entries[i].ContainsCollector(a) {
			return MutatorAddr(int64(a) - t.offsets[i]), nil
		}
	}
	return 0, fmt.Errorf("translate %s: outside every collector region: %w", a, ErrProtocolViolation)
}

func (t *Table) BelongsToMutatorSpace(a MutatorAddr) bool {
	_, ok := t.mutatorIndex(a)
	return ok
}

func (t *Table) BelongsToCollectorSpace(a CollectorAddr) bool {
	_, ok := t.collectorIndex(a)
	return ok
}

// NeedsTranslation reports whether a lies in a region with a non-zero offset.
func (t *Table) NeedsTranslation(a MutatorAddr) bool {
	i, ok := t.mutatorIndex(a)
	return ok && t.offsets[i] != 0
}

// KindOfCollector returns the region kind containing a.
func (t *Table) KindOfCollector(a CollectorAddr) (Kind, bool) {
	i, ok := t.collectorIndex(a)
	if !ok {
		return 0, false
	}
	return t.entries[i].Kind, true
}

// KindOfMutator returns the region kind containing a.
func (t *Table) KindOfMutator(a MutatorAddr) (Kind, bool) {
	i, ok := t.mutatorIndex(a)
	if !ok {
		return 0, false
	}
	return t.entries[i].Kind, true
}

func (t *Table) mutatorIndex(a MutatorAddr) (int, bool) {
	for i := range t.entries {
		if t.entries[i].ContainsMutator(a) {
			return i, true
		}
	}
	return 0, false
}

func (t *Table) collectorIndex(a CollectorAddr) (int, bool) {
	for i := range t.entries {
		if t.entries[i].ContainsCollector(a) {
			return i, true
		}
	}
	return 0, false
}

// view returns the n bytes at collector address a.
func (t *Table) view(a CollectorAddr, n uint64) ([]byte, error) {
	i, ok := t.collectorIndex(a)
	if !ok {
		return nil, fmt.Errorf("read %s: outside every collector region: %w", a, ErrProtocolViolation)
	}
	v := t.views[i]
	if v == nil {
		return nil, fmt.Errorf("read %s: %s region has no collector mapping", a, t.entries[i].Kind)
	}
	off := uint64(a - t.entries[i].CollectorBegin)
	if off+n > uint64(len(v)) {
		return nil, fmt.Errorf("read %d bytes at %s: crosses end of %s region: %w", n, a, t.entries[i].Kind, ErrProtocolViolation)
	}
	return v[off : off+n], nil
}

func (t *Table) String() string {
	var sb strings.Builder
	for i, e := range t.entries {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s offset=%+d", e, t.offsets[i])
	}
	return sb.String()
}
