package objmodel

import (
	"fmt"
	"math/bits"
)

// WalkSuperSentinel is the raw bitmap value meaning "offsets are not
// representable; walk the class hierarchy".
const WalkSuperSentinel uint32 = 3

// MaxBitmapOffset is the largest field offset a bitmap can describe.
const MaxBitmapOffset = 31 * RefSize

// RefOffsets describes where an object's reference fields live: either a
// compact bitmap or an instruction to walk field metadata.
type RefOffsets interface {
	isRefOffsets()
	Encode() uint32
}

// Bitmap has one bit per reference slot. The most significant bit is offset 0
// and each following bit is one reference further into the object.
type Bitmap uint32

// WalkSuper means reference fields must be discovered from field metadata,
// walking up the super-class chain for instance fields.
type WalkSuper struct{}

func (Bitmap) isRefOffsets()    {}
func (WalkSuper) isRefOffsets() {}

func (b Bitmap) Encode() uint32 {
	return uint32(b)
}

func (WalkSuper) Encode() uint32 {
	return WalkSuperSentinel
}

// DecodeRefOffsets interprets a raw word read from a class object.
func DecodeRefOffsets(raw uint32) RefOffsets {
	if raw == WalkSuperSentinel {
		return WalkSuper{}
	}
	return Bitmap(raw)
}

// BitForOffset returns the bitmap bit describing a reference at off.
func BitForOffset(off uint64) (uint32, error) {
	if off%RefSize != 0 {
		return 0, fmt.Errorf("field offset %d is not reference aligned", off)
	}
	if off > MaxBitmapOffset {
		return 0, fmt.Errorf("field offset %d beyond bitmap range", off)
	}
	return 1 << (31 - off/RefSize), nil
}

// OffsetOfHighestBit returns the field offset for the highest set bit.
func (b Bitmap) OffsetOfHighestBit() uint64 {
	return uint64(bits.LeadingZeros32(uint32(b))) * RefSize
}

// ClearHighestBit returns b without its highest set bit.
func (b Bitmap) ClearHighestBit() Bitmap {
	return b &^ (1 << (31 - bits.LeadingZeros32(uint32(b))))
}

// Count returns the number of reference slots described.
func (b Bitmap) Count() int {
	return bits.OnesCount32(uint32(b))
}

// EncodeOffsets builds the RefOffsets for a set of field offsets, falling
// back to WalkSuper when any offset is out of range or when the result would
// collide with the sentinel.
func EncodeOffsets(offsets []uint64) RefOffsets {
	var b Bitmap
	for _, off := range offsets {
		bit, err := BitForOffset(off)
		if err != nil {
			return WalkSuper{}
		}
		b |= Bitmap(bit)
	}
	if uint32(b) == WalkSuperSentinel {
		return WalkSuper{}
	}
	return b
}
