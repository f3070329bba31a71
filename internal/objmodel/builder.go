package objmodel

import (
	"fmt"
	"slices"

	"github.com/fizous/gcaas/internal/space"
)

// Allocator hands out zeroed or dirty memory in a space; the builder clears
// what it gets.
type Allocator interface {
	Allocate(size uint64) (space.MutatorAddr, error)
}

// WellKnown are the classes every heap is bootstrapped with. Class is the
// root class: the class of every class object, including itself.
type WellKnown struct {
	Class       space.MutatorAddr
	Object      space.MutatorAddr
	Field       space.MutatorAddr
	Int         space.MutatorAddr
	ObjectArray space.MutatorAddr
	IntArray    space.MutatorAddr
}

// ClassDef describes a class to define.
type ClassDef struct {
	Super      space.MutatorAddr
	RefFields  int
	IntFields  int
	RefStatics int

	// ForceWalkSuper stores the walk-hierarchy sentinel even when the
	// offsets would fit in a bitmap.
	ForceWalkSuper bool
}

type classInfo struct {
	refOffsets []uint64 // every reference instance field, inherited included
	objectSize uint64
	component  space.MutatorAddr
	primitive  Primitive
	refStatics int
}

// Builder writes objects into the heap from the mutator side. It is the
// mutator's stand-in for its object model and is never used by the collector.
type Builder struct {
	layout Layout
	mem    *space.Writer
	alloc  Allocator
	known  WellKnown
	// Shared between builders derived with WithAllocator.
	classes map[space.MutatorAddr]*classInfo
	// barrier runs after every reference store into obj.
	barrier func(obj space.MutatorAddr)
}

func NewBuilder(layout Layout, mem *space.Writer, alloc Allocator) *Builder {
	return &Builder{
		layout:  layout,
		mem:     mem,
		alloc:   alloc,
		classes: make(map[space.MutatorAddr]*classInfo),
	}
}

// WithAllocator returns a builder placing new objects with a, sharing class
// metadata with b.
func (b *Builder) WithAllocator(a Allocator) *Builder {
	c := *b
	c.alloc = a
	return &c
}

// WithBarrier returns a builder that calls fn after every reference store.
func (b *Builder) WithBarrier(fn func(obj space.MutatorAddr)) *Builder {
	c := *b
	c.barrier = fn
	return &c
}

func (b *Builder) Layout() Layout {
	return b.layout
}

func (b *Builder) Known() WellKnown {
	return b.known
}

// Bootstrap creates the well-known classes. The root class refers to itself.
func (b *Builder) Bootstrap() (WellKnown, error) {
	l := b.layout
	var err error
	alloc := func() space.MutatorAddr {
		if err != nil {
			return 0
		}
		var addr space.MutatorAddr
		addr, err = b.allocate(l.ClassHeaderSize)
		return addr
	}

	k := WellKnown{}
	k.Class = alloc()
	k.Object = alloc()
	k.Field = alloc()
	k.Int = alloc()
	k.ObjectArray = alloc()
	k.IntArray = alloc()
	if err != nil {
		return WellKnown{}, fmt.Errorf("failed to allocate bootstrap classes: %w", err)
	}
	b.known = k

	for _, c := range []space.MutatorAddr{k.Class, k.Object, k.Field, k.Int, k.ObjectArray, k.IntArray} {
		if err := b.mem.WriteRef(c.Add(l.ClassOffset), k.Class); err != nil {
			return WellKnown{}, err
		}
	}

	// Object declares the class slot as its only reference field.
	steps := []struct {
		name string
		fn   func() error
	}{
		{"Object", func() error {
			return b.define(k.Object, 0, 0, PrimNot, []uint64{l.ClassOffset}, 0, l.ObjectHeaderSize, 0, false)
		}},
		{"Class", func() error {
			declared := []uint64{l.ComponentTypeOffset, l.SuperClassOffset, l.IFieldsOffset, l.SFieldsOffset}
			return b.define(k.Class, k.Object, 0, PrimNot, declared, 0, l.ClassHeaderSize, 0, false)
		}},
		{"Field", func() error {
			return b.define(k.Field, k.Object, 0, PrimNot, nil, 2, l.FieldObjectSize, 0, false)
		}},
		{"int", func() error {
			return b.define(k.Int, 0, 0, PrimInt, nil, 0, 0, 0, false)
		}},
		{"Object[]", func() error {
			return b.define(k.ObjectArray, k.Object, k.Object, PrimNot, nil, 0, 0, 0, false)
		}},
		{"int[]", func() error {
			return b.define(k.IntArray, k.Object, k.Int, PrimNot, nil, 0, 0, 0, false)
		}},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return WellKnown{}, fmt.Errorf("failed to define %s: %w", step.name, err)
		}
	}

	return k, nil
}

// NewClass defines a plain class. Reference fields are laid out first, after
// the super class's fields, followed by 4-byte int fields.
func (b *Builder) NewClass(def ClassDef) (space.MutatorAddr, error) {
	if b.known.Class == 0 {
		return 0, fmt.Errorf("heap not bootstrapped")
	}
	super := def.Super
	if super == 0 {
		super = b.known.Object
	}
	superInfo, ok := b.classes[super]
	if !ok {
		return 0, fmt.Errorf("unknown super class %s", super)
	}

	start := b.layout.AlignUp(superInfo.objectSize)
	declared := make([]uint64, def.RefFields)
	for i := range declared {
		declared[i] = start + uint64(i)*RefSize
	}
	size := b.layout.AlignUp(start + uint64(def.RefFields)*RefSize + uint64(def.IntFields)*4)

	classSize := b.layout.ClassHeaderSize + uint64(def.RefStatics)*RefSize
	addr, err := b.allocate(classSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate class: %w", err)
	}
	if err := b.mem.WriteRef(addr.Add(b.layout.ClassOffset), b.known.Class); err != nil {
		return 0, err
	}
	if err := b.define(addr, super, 0, PrimNot, declared, def.IntFields, size, def.RefStatics, def.ForceWalkSuper); err != nil {
		return 0, err
	}
	return addr, nil
}

// define fills in the metadata of the class object at addr.
func (b *Builder) define(addr, super, component space.MutatorAddr, prim Primitive,
	declared []uint64, intFields int, objectSize uint64, refStatics int, forceWalk bool) error {
	l := b.layout

	var inherited []uint64
	intStart := uint64(0)
	if super != 0 {
		superInfo, ok := b.classes[super]
		if !ok {
			return fmt.Errorf("super class %s not defined yet", super)
		}
		inherited = superInfo.refOffsets
		intStart = l.AlignUp(superInfo.objectSize)
	}
	if len(declared) > 0 {
		intStart = declared[len(declared)-1] + RefSize
	}
	all := slices.Concat(inherited, declared)
	slices.Sort(all)

	var instanceOffsets RefOffsets = EncodeOffsets(all)
	if forceWalk {
		instanceOffsets = WalkSuper{}
	}

	statics := make([]uint64, refStatics)
	for i := range statics {
		statics[i] = l.StaticFieldOffset(i)
	}
	var staticOffsets RefOffsets = EncodeOffsets(statics)
	if forceWalk && refStatics > 0 {
		staticOffsets = WalkSuper{}
	}

	ifields, err := b.fieldArray(declared, intStart, intFields, objectSize)
	if err != nil {
		return fmt.Errorf("failed to build instance fields: %w", err)
	}
	sfields, err := b.fieldArray(statics, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("failed to build static fields: %w", err)
	}

	writes := []struct {
		off uint64
		ref bool
		val uint64
	}{
		{l.SuperClassOffset, true, uint64(super)},
		{l.ComponentTypeOffset, true, uint64(component)},
		{l.IFieldsOffset, true, uint64(ifields)},
		{l.SFieldsOffset, true, uint64(sfields)},
		{l.RefInstanceOffsetsOffset, false, uint64(instanceOffsets.Encode())},
		{l.RefStaticOffsetsOffset, false, uint64(staticOffsets.Encode())},
		{l.NumRefInstanceFieldsOffset, false, uint64(len(declared))},
		{l.NumRefStaticFieldsOffset, false, uint64(refStatics)},
		{l.PrimitiveTypeOffset, false, uint64(prim)},
		{l.ObjectSizeOffset, false, objectSize},
		{l.ClassSizeOffset, false, l.ClassHeaderSize + uint64(refStatics)*RefSize},
	}
	for _, w := range writes {
		var err error
		if w.ref {
			err = b.mem.WriteRef(addr.Add(w.off), space.MutatorAddr(w.val))
		} else {
			err = b.mem.WriteU32(addr.Add(w.off), uint32(w.val))
		}
		if err != nil {
			return fmt.Errorf("failed to write class field at +%d: %w", w.off, err)
		}
	}

	b.classes[addr] = &classInfo{
		refOffsets: all,
		objectSize: objectSize,
		component:  component,
		primitive:  prim,
		refStatics: refStatics,
	}
	return nil
}

// fieldArray builds the Field objects for a class: reference fields first,
// then intFields int fields laid out from intStart. Returns null when empty.
func (b *Builder) fieldArray(refOffsets []uint64, intStart uint64, intFields int, objectSize uint64) (space.MutatorAddr, error) {
	n := len(refOffsets) + intFields
	if n == 0 {
		return 0, nil
	}
	l := b.layout

	arr, err := b.NewObjectArray(n)
	if err != nil {
		return 0, err
	}

	for i := 0; i < n; i++ {
		f, err := b.allocate(l.FieldObjectSize)
		if err != nil {
			return 0, err
		}
		if err := b.mem.WriteRef(f.Add(l.ClassOffset), b.known.Field); err != nil {
			return 0, err
		}

		off, typ := uint64(0), PrimNot
		if i < len(refOffsets) {
			off = refOffsets[i]
		} else {
			off, typ = intStart+uint64(i-len(refOffsets))*4, PrimInt
			if objectSize != 0 && off+4 > objectSize {
				return 0, fmt.Errorf("int field at +%d exceeds object size %d", off, objectSize)
			}
		}
		if err := b.mem.WriteU32(f.Add(l.FieldOffsetOffset), uint32(off)); err != nil {
			return 0, err
		}
		if err := b.mem.WriteU32(f.Add(l.FieldTypeOffset), uint32(typ)); err != nil {
			return 0, err
		}
		if err := b.SetElement(arr, i, f); err != nil {
			return 0, err
		}
	}
	return arr, nil
}

// NewInstance allocates an instance of class with every field null.
func (b *Builder) NewInstance(class space.MutatorAddr) (space.MutatorAddr, error) {
	info, ok := b.classes[class]
	if !ok {
		return 0, fmt.Errorf("unknown class %s", class)
	}
	if info.component != 0 || info.primitive != PrimNot {
		return 0, fmt.Errorf("class %s is not instantiable", class)
	}
	obj, err := b.allocate(info.objectSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate instance: %w", err)
	}
	return obj, b.mem.WriteRef(obj.Add(b.layout.ClassOffset), class)
}

// NewObjectArray allocates an Object[] of the given length.
func (b *Builder) NewObjectArray(length int) (space.MutatorAddr, error) {
	return b.newArray(b.known.ObjectArray, length, RefSize)
}

// NewIntArray allocates an int[] of the given length.
func (b *Builder) NewIntArray(length int) (space.MutatorAddr, error) {
	return b.newArray(b.known.IntArray, length, PrimInt.Size())
}

func (b *Builder) newArray(class space.MutatorAddr, length int, elemSize uint64) (space.MutatorAddr, error) {
	if class == 0 {
		return 0, fmt.Errorf("heap not bootstrapped")
	}
	if length < 0 {
		return 0, fmt.Errorf("negative array length %d", length)
	}
	size := b.layout.ElementOffset(length, elemSize)
	arr, err := b.allocate(size)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate array of %d: %w", length, err)
	}
	if err := b.mem.WriteRef(arr.Add(b.layout.ClassOffset), class); err != nil {
		return 0, err
	}
	return arr, b.mem.WriteU32(arr.Add(b.layout.ArrayLengthOffset), uint32(length))
}

// FieldOffsets returns the offsets of class's reference instance fields,
// inherited included, without the class slot.
func (b *Builder) FieldOffsets(class space.MutatorAddr) []uint64 {
	info, ok := b.classes[class]
	if !ok {
		return nil
	}
	var out []uint64
	for _, off := range info.refOffsets {
		if off != b.layout.ClassOffset {
			out = append(out, off)
		}
	}
	return out
}

// SetField stores target in the i-th reference field of obj, as ordered by
// FieldOffsets.
func (b *Builder) SetField(obj space.MutatorAddr, i int, target space.MutatorAddr) error {
	class, err := b.mem.ReadRef(obj.Add(b.layout.ClassOffset))
	if err != nil {
		return err
	}
	offsets := b.FieldOffsets(class)
	if i < 0 || i >= len(offsets) {
		return fmt.Errorf("field %d out of range for class %s (%d fields)", i, class, len(offsets))
	}
	return b.storeRef(obj, offsets[i], target)
}

// SetStatic stores target in the i-th reference static of class.
func (b *Builder) SetStatic(class space.MutatorAddr, i int, target space.MutatorAddr) error {
	info, ok := b.classes[class]
	if !ok {
		return fmt.Errorf("unknown class %s", class)
	}
	if i < 0 || i >= info.refStatics {
		return fmt.Errorf("static %d out of range for class %s (%d statics)", i, class, info.refStatics)
	}
	return b.storeRef(class, b.layout.StaticFieldOffset(i), target)
}

// SetElement stores target at index i of an object array.
func (b *Builder) SetElement(arr space.MutatorAddr, i int, target space.MutatorAddr) error {
	length, err := b.mem.ReadU32(arr.Add(b.layout.ArrayLengthOffset))
	if err != nil {
		return err
	}
	if i < 0 || i >= int(length) {
		return fmt.Errorf("index %d out of range for array of %d", i, length)
	}
	return b.storeRef(arr, b.layout.ElementOffset(i, RefSize), target)
}

func (b *Builder) storeRef(obj space.MutatorAddr, off uint64, target space.MutatorAddr) error {
	if err := b.mem.WriteRef(obj.Add(off), target); err != nil {
		return err
	}
	if b.barrier != nil {
		b.barrier(obj)
	}
	return nil
}

// SizeOf returns the allocation size of obj.
func (b *Builder) SizeOf(obj space.MutatorAddr) (uint64, error) {
	class, err := b.mem.ReadRef(obj.Add(b.layout.ClassOffset))
	if err != nil {
		return 0, err
	}
	info, ok := b.classes[class]
	if !ok {
		return 0, fmt.Errorf("object %s has unknown class %s", obj, class)
	}
	switch {
	case class == b.known.Class:
		size, err := b.mem.ReadU32(obj.Add(b.layout.ClassSizeOffset))
		return uint64(size), err
	case info.component != 0:
		length, err := b.mem.ReadU32(obj.Add(b.layout.ArrayLengthOffset))
		if err != nil {
			return 0, err
		}
		elem := b.classes[info.component]
		elemSize := uint64(RefSize)
		if elem != nil && elem.primitive != PrimNot {
			elemSize = elem.primitive.Size()
		}
		return b.layout.AlignUp(b.layout.ElementOffset(int(length), elemSize)), nil
	default:
		return info.objectSize, nil
	}
}

func (b *Builder) allocate(size uint64) (space.MutatorAddr, error) {
	size = b.layout.AlignUp(size)
	addr, err := b.alloc.Allocate(size)
	if err != nil {
		return 0, err
	}
	if err := b.mem.Zero(addr, size); err != nil {
		return 0, err
	}
	return addr, nil
}
