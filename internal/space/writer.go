package space

import (
	"encoding/binary"
	"fmt"
)

type mutatorSegment struct {
	begin MutatorAddr
	mem   []byte
}

// Writer is the mutator's own view of the heap: it reads and writes raw words
// at mutator addresses. The collector never holds one.
type Writer struct {
	segments []mutatorSegment
}

func NewWriter() *Writer {
	return &Writer{}
}

// Map makes mem addressable at begin.
func (w *Writer) Map(begin MutatorAddr, mem []byte) {
	w.segments = append(w.segments, mutatorSegment{begin: begin, mem: mem})
}

func (w *Writer) Contains(a MutatorAddr) bool {
	_, err := w.slice(a, 1)
	return err == nil
}

func (w *Writer) slice(a MutatorAddr, n uint64) ([]byte, error) {
	for _, seg := range w.segments {
		end := seg.begin.Add(uint64(len(seg.mem)))
		if a >= seg.begin && a < end {
			off := uint64(a - seg.begin)
			if off+n > uint64(len(seg.mem)) {
				return nil, fmt.Errorf("access of %d bytes at %s crosses segment end", n, a)
			}
			return seg.mem[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("access at %s: address not mapped", a)
}

func (w *Writer) WriteU32(a MutatorAddr, v uint32) error {
	buf, err := w.slice(a, 4)
	if err != nil {
		return err
	}
	binary.NativeEndian.PutUint32(buf, v)
	return nil
}

func (w *Writer) WriteU64(a MutatorAddr, v uint64) error {
	buf, err := w.slice(a, 8)
	if err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(buf, v)
	return nil
}

// WriteRef stores a reference to target in the slot at a.
func (w *Writer) WriteRef(a MutatorAddr, target MutatorAddr) error {
	buf, err := w.refSlot(a)
	if err != nil {
		return err
	}
	return storeRef(buf, uint64(target))
}

func (w *Writer) refSlot(a MutatorAddr) ([]byte, error) {
	if uint64(a)%8 != 0 {
		return nil, fmt.Errorf("reference slot %s is misaligned", a)
	}
	return w.slice(a, 8)
}

func (w *Writer) ReadU32(a MutatorAddr) (uint32, error) {
	buf, err := w.slice(a, 4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(buf), nil
}

func (w *Writer) ReadU64(a MutatorAddr) (uint64, error) {
	buf, err := w.slice(a, 8)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf), nil
}

func (w *Writer) ReadRef(a MutatorAddr) (MutatorAddr, error) {
	buf, err := w.refSlot(a)
	if err != nil {
		return 0, err
	}
	v, err := loadRef(buf)
	return MutatorAddr(v), err
}

// Zero clears n bytes starting at a.
func (w *Writer) Zero(a MutatorAddr, n uint64) error {
	buf, err := w.slice(a, n)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}
