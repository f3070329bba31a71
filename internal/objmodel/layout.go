// Package objmodel describes the raw byte layout of managed objects. Both the
// mutator and the collector use the same Layout; the collector only ever reads
// words at these offsets and never calls into a live object graph.
package objmodel

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// RefSize is the width of a reference slot in bytes.
const RefSize = 8

// Layout holds the byte offsets of every field the scanner reads.
type Layout struct {
	// Every object.
	ClassOffset      uint64
	MonitorOffset    uint64
	ObjectHeaderSize uint64

	// Arrays.
	ArrayLengthOffset uint64
	ArrayDataOffset   uint64

	// Class objects.
	ComponentTypeOffset        uint64
	SuperClassOffset           uint64
	IFieldsOffset              uint64
	SFieldsOffset              uint64
	RefInstanceOffsetsOffset   uint64
	RefStaticOffsetsOffset     uint64
	NumRefInstanceFieldsOffset uint64
	NumRefStaticFieldsOffset   uint64
	PrimitiveTypeOffset        uint64
	ObjectSizeOffset           uint64
	ClassSizeOffset            uint64
	ClassHeaderSize            uint64

	// Field objects reachable from a class's ifields/sfields arrays.
	FieldOffsetOffset uint64
	FieldTypeOffset   uint64
	FieldObjectSize   uint64

	Alignment uint64
}

// DefaultLayout is the layout used by the mutator runtime.
func DefaultLayout() Layout {
	return Layout{
		ClassOffset:      0,
		MonitorOffset:    8,
		ObjectHeaderSize: 16,

		ArrayLengthOffset: 12,
		ArrayDataOffset:   16,

		ComponentTypeOffset:        16,
		SuperClassOffset:           24,
		IFieldsOffset:              32,
		SFieldsOffset:              40,
		RefInstanceOffsetsOffset:   48,
		RefStaticOffsetsOffset:     52,
		NumRefInstanceFieldsOffset: 56,
		NumRefStaticFieldsOffset:   60,
		PrimitiveTypeOffset:        64,
		ObjectSizeOffset:           68,
		ClassSizeOffset:            72,
		ClassHeaderSize:            80,

		FieldOffsetOffset: 16,
		FieldTypeOffset:   20,
		FieldObjectSize:   24,

		Alignment: 8,
	}
}

// Validate checks that reference slots are aligned and that no two fields of
// the same object overlap.
func (l Layout) Validate() error {
	refs := map[string]uint64{
		"class":          l.ClassOffset,
		"component type": l.ComponentTypeOffset,
		"super class":    l.SuperClassOffset,
		"ifields":        l.IFieldsOffset,
		"sfields":        l.SFieldsOffset,
		"array data":     l.ArrayDataOffset,
	}
	for name, off := range refs {
		if off%RefSize != 0 {
			return fmt.Errorf("%s offset %d is not reference aligned", name, off)
		}
	}
	if l.Alignment == 0 || l.Alignment&(l.Alignment-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", l.Alignment)
	}
	if l.ClassHeaderSize < l.ClassSizeOffset+4 {
		return fmt.Errorf("class header size %d does not cover class fields", l.ClassHeaderSize)
	}
	if l.ClassHeaderSize%RefSize != 0 {
		return fmt.Errorf("class header size %d is not reference aligned", l.ClassHeaderSize)
	}
	if l.ArrayLengthOffset+4 > l.ArrayDataOffset {
		return fmt.Errorf("array length overlaps array data")
	}
	return nil
}

// Fingerprint hashes every offset. Producer and consumer compare fingerprints
// before trusting each other's raw reads.
func (l Layout) Fingerprint() uint64 {
	words := []uint64{
		l.ClassOffset, l.MonitorOffset, l.ObjectHeaderSize,
		l.ArrayLengthOffset, l.ArrayDataOffset,
		l.ComponentTypeOffset, l.SuperClassOffset, l.IFieldsOffset, l.SFieldsOffset,
		l.RefInstanceOffsetsOffset, l.RefStaticOffsetsOffset,
		l.NumRefInstanceFieldsOffset, l.NumRefStaticFieldsOffset,
		l.PrimitiveTypeOffset, l.ObjectSizeOffset, l.ClassSizeOffset, l.ClassHeaderSize,
		l.FieldOffsetOffset, l.FieldTypeOffset, l.FieldObjectSize,
		l.Alignment,
	}

	h := fnv.New64a()
	buf := make([]byte, 8)
	for _, w := range words {
		binary.LittleEndian.PutUint64(buf, w)
		h.Write(buf)
	}
	return h.Sum64()
}

// StaticFieldOffset is the offset of the i-th reference static inside a class
// object.
func (l Layout) StaticFieldOffset(i int) uint64 {
	return l.ClassHeaderSize + uint64(i)*RefSize
}

// ElementOffset is the offset of element i of an array with elements of size
// elemSize.
func (l Layout) ElementOffset(i int, elemSize uint64) uint64 {
	return l.ArrayDataOffset + uint64(i)*elemSize
}

// AlignUp rounds n up to the object alignment.
func (l Layout) AlignUp(n uint64) uint64 {
	return (n + l.Alignment - 1) &^ (l.Alignment - 1)
}
