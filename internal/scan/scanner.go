// Package scan walks managed objects in another process's heap using only raw
// reads at layout offsets.
//
// Every address the scanner holds is a collector address. The only mutator
// addresses it sees are the ones it is handed and the raw words it reads out
// of reference slots, and each of those is translated exactly once, right
// after it is read.
package scan

import (
	"fmt"
	"sync/atomic"

	"github.com/fizous/gcaas/internal/objmodel"
	"github.com/fizous/gcaas/internal/space"
)

// Visitor is called once per reference slot. referent is already translated
// and is null for a null slot.
type Visitor func(container, referent space.CollectorAddr, offset uint64, isStatic bool) error

// Shape is the classification of an object by its class metadata.
type Shape int

const (
	ShapeInstance Shape = iota
	ShapeObjectArray
	ShapePrimitiveArray
	ShapeClass
)

func (s Shape) String() string {
	switch s {
	case ShapeInstance:
		return "instance"
	case ShapeObjectArray:
		return "object array"
	case ShapePrimitiveArray:
		return "primitive array"
	case ShapeClass:
		return "class"
	default:
		return fmt.Sprintf("Shape(%d)", int(s))
	}
}

// Stats counts scanner work since creation.
type Stats struct {
	ObjectsScanned int64
	RefsVisited    int64
	HierarchyWalks int64
}

// Scanner is safe for concurrent use; it holds no per-object state.
type Scanner struct {
	table     *space.Table
	mem       *space.Reader
	layout    objmodel.Layout
	rootClass space.CollectorAddr

	objects atomic.Int64
	refs    atomic.Int64
	walks   atomic.Int64
}

// New creates a scanner for the heap described by mem's table. rootClass is
// the mutator address of the class of all classes.
func New(mem *space.Reader, layout objmodel.Layout, rootClass space.MutatorAddr) (*Scanner, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid object layout: %w", err)
	}
	if rootClass == 0 {
		return nil, fmt.Errorf("root class is null: %w", space.ErrProtocolViolation)
	}
	root, err := mem.Table().ToCollectorChecked(rootClass)
	if err != nil {
		return nil, fmt.Errorf("root class: %w", err)
	}
	return &Scanner{
		table:     mem.Table(),
		mem:       mem,
		layout:    layout,
		rootClass: root,
	}, nil
}

func (s *Scanner) RootClass() space.CollectorAddr {
	return s.rootClass
}

func (s *Scanner) Stats() Stats {
	return Stats{
		ObjectsScanned: s.objects.Load(),
		RefsVisited:    s.refs.Load(),
		HierarchyWalks: s.walks.Load(),
	}
}

// ScanObject visits every reference held by obj. Any inconsistency in the
// object's metadata is returned wrapped in space.ErrProtocolViolation and
// the scan stops at that point.
func (s *Scanner) ScanObject(obj space.MutatorAddr, visit Visitor) error {
	o, err := s.table.ToCollectorChecked(obj)
	if err != nil {
		return err
	}
	if o == 0 {
		return nil
	}
	return s.ScanTranslated(o, visit)
}

// ScanTranslated is ScanObject for an object already in collector space.
func (s *Scanner) ScanTranslated(o space.CollectorAddr, visit Visitor) error {
	klass, err := s.ClassOf(o)
	if err != nil {
		return err
	}
	shape, err := s.classify(klass)
	if err != nil {
		return fmt.Errorf("classify %s: %w", o, err)
	}
	s.objects.Add(1)

	switch shape {
	case ShapePrimitiveArray:
		return s.emit(visit, o, klass, s.layout.ClassOffset, false)
	case ShapeObjectArray:
		if err := s.emit(visit, o, klass, s.layout.ClassOffset, false); err != nil {
			return err
		}
		return s.scanElements(o, visit)
	case ShapeClass:
		if err := s.scanFields(o, klass, false, visit); err != nil {
			return err
		}
		return s.scanFields(o, o, true, visit)
	default:
		return s.scanFields(o, klass, false, visit)
	}
}

// Classify reports the shape of the object at o.
func (s *Scanner) Classify(o space.CollectorAddr) (Shape, error) {
	klass, err := s.ClassOf(o)
	if err != nil {
		return 0, err
	}
	return s.classify(klass)
}

// ClassOf reads and translates the class slot of o.
func (s *Scanner) ClassOf(o space.CollectorAddr) (space.CollectorAddr, error) {
	raw, err := s.mem.ReadRef(o.Add(s.layout.ClassOffset))
	if err != nil {
		return 0, fmt.Errorf("read class of %s: %w", o, err)
	}
	if raw == 0 {
		return 0, fmt.Errorf("object %s has a null class: %w", o, space.ErrProtocolViolation)
	}
	klass, err := s.table.ToCollectorChecked(raw)
	if err != nil {
		return 0, fmt.Errorf("class of %s: %w", o, err)
	}
	return klass, nil
}

func (s *Scanner) classify(klass space.CollectorAddr) (Shape, error) {
	component, err := s.readTranslated(klass.Add(s.layout.ComponentTypeOffset))
	if err != nil {
		return 0, err
	}
	if component != 0 {
		prim, err := s.mem.ReadU32(component.Add(s.layout.PrimitiveTypeOffset))
		if err != nil {
			return 0, err
		}
		if objmodel.Primitive(prim) != objmodel.PrimNot {
			return ShapePrimitiveArray, nil
		}
		return ShapeObjectArray, nil
	}
	if klass == s.rootClass {
		return ShapeClass, nil
	}
	return ShapeInstance, nil
}

func (s *Scanner) scanElements(arr space.CollectorAddr, visit Visitor) error {
	length, err := s.mem.ReadU32(arr.Add(s.layout.ArrayLengthOffset))
	if err != nil {
		return fmt.Errorf("read length of %s: %w", arr, err)
	}
	for i := 0; i < int(length); i++ {
		off := s.layout.ElementOffset(i, objmodel.RefSize)
		if err := s.visitSlot(visit, arr, off, false); err != nil {
			return err
		}
	}
	return nil
}

// scanFields visits the instance (or static) reference slots of obj. Offsets
// come from the metadata of klass, which is the object itself for statics.
func (s *Scanner) scanFields(obj, klass space.CollectorAddr, isStatic bool, visit Visitor) error {
	at := s.layout.RefInstanceOffsetsOffset
	if isStatic {
		at = s.layout.RefStaticOffsetsOffset
	}
	raw, err := s.mem.ReadU32(klass.Add(at))
	if err != nil {
		return fmt.Errorf("read reference offsets of %s: %w", klass, err)
	}

	switch offsets := objmodel.DecodeRefOffsets(raw).(type) {
	case objmodel.Bitmap:
		for b := offsets; b != 0; b = b.ClearHighestBit() {
			if err := s.visitSlot(visit, obj, b.OffsetOfHighestBit(), isStatic); err != nil {
				return err
			}
		}
		return nil
	case objmodel.WalkSuper:
		s.walks.Add(1)
		it := s.Fields(klass, isStatic)
		for {
			off, ok, err := it.Next()
			if err != nil {
				return fmt.Errorf("walk fields of %s: %w", klass, err)
			}
			if !ok {
				return nil
			}
			if err := s.visitSlot(visit, obj, off, isStatic); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown reference offsets %T", offsets)
	}
}

func (s *Scanner) visitSlot(visit Visitor, container space.CollectorAddr, off uint64, isStatic bool) error {
	referent, err := s.readTranslated(container.Add(off))
	if err != nil {
		return fmt.Errorf("slot +%d of %s: %w", off, container, err)
	}
	return s.emit(visit, container, referent, off, isStatic)
}

func (s *Scanner) emit(visit Visitor, container, referent space.CollectorAddr, off uint64, isStatic bool) error {
	s.refs.Add(1)
	return visit(container, referent, off, isStatic)
}

// readTranslated reads a reference slot and rebases it.
func (s *Scanner) readTranslated(slot space.CollectorAddr) (space.CollectorAddr, error) {
	raw, err := s.mem.ReadRef(slot)
	if err != nil {
		return 0, err
	}
	return s.table.ToCollector(raw)
}

// SizeOf returns the allocation size of the object at o, aligned to the
// layout's object alignment.
func (s *Scanner) SizeOf(o space.CollectorAddr) (uint64, error) {
	klass, err := s.ClassOf(o)
	if err != nil {
		return 0, err
	}
	shape, err := s.classify(klass)
	if err != nil {
		return 0, err
	}

	switch shape {
	case ShapeClass:
		size, err := s.mem.ReadU32(o.Add(s.layout.ClassSizeOffset))
		return s.layout.AlignUp(uint64(size)), err
	case ShapeObjectArray, ShapePrimitiveArray:
		length, err := s.mem.ReadU32(o.Add(s.layout.ArrayLengthOffset))
		if err != nil {
			return 0, err
		}
		elem := uint64(objmodel.RefSize)
		if shape == ShapePrimitiveArray {
			component, err := s.readTranslated(klass.Add(s.layout.ComponentTypeOffset))
			if err != nil {
				return 0, err
			}
			prim, err := s.mem.ReadU32(component.Add(s.layout.PrimitiveTypeOffset))
			if err != nil {
				return 0, err
			}
			elem = objmodel.Primitive(prim).Size()
		}
		return s.layout.AlignUp(s.layout.ElementOffset(int(length), elem)), nil
	default:
		size, err := s.mem.ReadU32(klass.Add(s.layout.ObjectSizeOffset))
		return s.layout.AlignUp(uint64(size)), err
	}
}
