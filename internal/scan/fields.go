package scan

import (
	"fmt"

	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/space"
)

// FieldIter enumerates reference field offsets by reading Field objects out
// of class metadata, for classes whose offsets do not fit a bitmap.
//
// Instance iteration starts at a class and follows super-class links.
// Static iteration covers only the class itself. The iterator can be saved
// with Position and resumed with Seek, or rewound with Reset.
type FieldIter struct {
	s      *Scanner
	start  space.CollectorAddr
	static bool

	class  space.CollectorAddr
	fields space.CollectorAddr
	count  int
	index  int
	loaded bool
}

// Position is a saved (class, field index) pair.
type Position struct {
	Class space.CollectorAddr
	Index int
}

// Fields returns an iterator over the reference fields declared by klass.
func (s *Scanner) Fields(klass space.CollectorAddr, isStatic bool) *FieldIter {
	return &FieldIter{s: s, start: klass, static: isStatic, class: klass}
}

// Reset rewinds the iterator to the first field.
func (it *FieldIter) Reset() {
	it.class = it.start
	it.index = 0
	it.loaded = false
}

func (it *FieldIter) Position() Position {
	return Position{Class: it.class, Index: it.index}
}

// Seek resumes iteration at p, which must come from Position on an iterator
// over the same class.
func (it *FieldIter) Seek(p Position) {
	it.class = p.Class
	it.index = p.Index
	it.loaded = false
}

// Next returns the offset of the next reference field. ok is false once the
// hierarchy is exhausted.
func (it *FieldIter) Next() (offset uint64, ok bool, err error) {
	l := it.s.layout
	for it.class != 0 {
		if !it.loaded {
			if err := it.load(); err != nil {
				return 0, false, err
			}
		}
		if it.index < it.count {
			field, err := it.s.readTranslated(it.fields.Add(l.ElementOffset(it.index, objmodel.RefSize)))
			if err != nil {
				return 0, false, err
			}
			if field == 0 {
				return 0, false, fmt.Errorf("field %d of %s is null: %w", it.index, it.class, space.ErrProtocolViolation)
			}
			off, err := it.s.mem.ReadU32(field.Add(l.FieldOffsetOffset))
			if err != nil {
				return 0, false, err
			}
			it.index++
			return uint64(off), true, nil
		}

		if it.static {
			it.class = 0
			break
		}
		super, err := it.s.readTranslated(it.class.Add(l.SuperClassOffset))
		if err != nil {
			return 0, false, err
		}
		it.class = super
		it.index = 0
		it.loaded = false
	}
	return 0, false, nil
}

func (it *FieldIter) load() error {
	l := it.s.layout
	countAt, arrayAt := l.NumRefInstanceFieldsOffset, l.IFieldsOffset
	if it.static {
		countAt, arrayAt = l.NumRefStaticFieldsOffset, l.SFieldsOffset
	}

	count, err := it.s.mem.ReadU32(it.class.Add(countAt))
	if err != nil {
		return err
	}
	fields, err := it.s.readTranslated(it.class.Add(arrayAt))
	if err != nil {
		return err
	}
	if count > 0 {
		if fields == 0 {
			return fmt.Errorf("%s declares %d reference fields but has no field array: %w", it.class, count, space.ErrProtocolViolation)
		}
		length, err := it.s.mem.ReadU32(fields.Add(l.ArrayLengthOffset))
		if err != nil {
			return err
		}
		if length < count {
			return fmt.Errorf("%s declares %d reference fields but its field array holds %d: %w", it.class, count, length, space.ErrProtocolViolation)
		}
	}

	it.fields = fields
	it.count = int(count)
	it.loaded = true
	return nil
}
