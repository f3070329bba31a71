package heap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
)

// SpaceBitmap holds one bit per alignment granule of a space. Offsets are
// relative to the start of the space, so the same bitmap is meaningful in
// both processes.
type SpaceBitmap struct {
	name      string
	words     []uint64
	covered   uint64
	alignment uint64
}

// BitmapWords returns the number of 64-bit words needed to cover size bytes.
func BitmapWords(size, alignment uint64) int {
	granules := (size + alignment - 1) / alignment
	return int((granules + 63) / 64)
}

// NewSpaceBitmap wraps words, which may live in shared memory.
func NewSpaceBitmap(name string, words []uint64, covered, alignment uint64) (*SpaceBitmap, error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("bitmap %s: alignment %d is not a power of two", name, alignment)
	}
	if need := BitmapWords(covered, alignment); len(words) < need {
		return nil, fmt.Errorf("bitmap %s: %d words cannot cover %d bytes, need %d", name, len(words), covered, need)
	}
	return &SpaceBitmap{name: name, words: words, covered: covered, alignment: alignment}, nil
}

func (b *SpaceBitmap) Name() string {
	return b.name
}

// Covered returns the number of space bytes the bitmap describes.
func (b *SpaceBitmap) Covered() uint64 {
	return b.covered
}

// HasOffset reports whether off is an aligned offset inside the space.
func (b *SpaceBitmap) HasOffset(off uint64) bool {
	return off < b.covered && off%b.alignment == 0
}

func (b *SpaceBitmap) locate(off uint64) (*uint64, uint64) {
	granule := off / b.alignment
	return &b.words[granule/64], 1 << (granule % 64)
}

func (b *SpaceBitmap) Test(off uint64) bool {
	w, mask := b.locate(off)
	return atomic.LoadUint64(w)&mask != 0
}

func (b *SpaceBitmap) Set(off uint64) {
	w, mask := b.locate(off)
	atomic.OrUint64(w, mask)
}

// AtomicTestAndSet sets the bit for off and reports whether it was already
// set. Exactly one of several racing callers sees false.
func (b *SpaceBitmap) AtomicTestAndSet(off uint64) bool {
	w, mask := b.locate(off)
	return atomic.OrUint64(w, mask)&mask != 0
}

func (b *SpaceBitmap) Clear(off uint64) {
	w, mask := b.locate(off)
	atomic.AndUint64(w, ^mask)
}

// ClearAll resets every bit. Not safe against concurrent setters.
func (b *SpaceBitmap) ClearAll() {
	clear(b.words)
}

// CopyFrom overwrites b with the bits of other, which must cover the same
// space.
func (b *SpaceBitmap) CopyFrom(other *SpaceBitmap) error {
	if other.covered != b.covered || other.alignment != b.alignment {
		return fmt.Errorf("bitmap %s cannot copy %s: different geometry", b.name, other.name)
	}
	copy(b.words, other.words)
	return nil
}

// Count returns the number of set bits.
func (b *SpaceBitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(atomic.LoadUint64(&b.words[i]))
	}
	return n
}

// Walk calls fn with the offset of every set bit in ascending order.
func (b *SpaceBitmap) Walk(fn func(off uint64) error) error {
	return b.WalkRange(0, b.covered, fn)
}

// WalkRange is Walk restricted to offsets in [begin, end).
func (b *SpaceBitmap) WalkRange(begin, end uint64, fn func(off uint64) error) error {
	end = min(end, b.covered)
	if begin >= end {
		return nil
	}
	first := begin / b.alignment
	last := (end - 1) / b.alignment

	for wi := first / 64; wi <= last/64; wi++ {
		word := atomic.LoadUint64(&b.words[wi])
		for word != 0 {
			bit := uint64(bits.TrailingZeros64(word))
			word &= word - 1
			granule := wi*64 + bit
			if granule < first || granule > last {
				continue
			}
			if err := fn(granule * b.alignment); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *SpaceBitmap) String() string {
	return fmt.Sprintf("%s bitmap (%d bytes covered, %d set)", b.name, b.covered, b.Count())
}
