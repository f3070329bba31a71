package space

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Reader reads raw words from the heap at collector addresses. It never
// interprets what it reads; reference slots come back as mutator addresses
// because that is what the mutator stored in them.
type Reader struct {
	table     *Table
	bytesRead atomic.Int64
}

func NewReader(table *Table) *Reader {
	return &Reader{table: table}
}

func (r *Reader) Table() *Table {
	return r.table
}

// BytesRead returns the number of heap bytes read so far.
func (r *Reader) BytesRead() int64 {
	return r.bytesRead.Load()
}

// ReadU32 reads a 4-byte word.
func (r *Reader) ReadU32(a CollectorAddr) (uint32, error) {
	buf, err := r.table.view(a, 4)
	if err != nil {
		return 0, err
	}
	r.bytesRead.Add(4)
	return binary.NativeEndian.Uint32(buf), nil
}

// ReadU64 reads an 8-byte word.
func (r *Reader) ReadU64(a CollectorAddr) (uint64, error) {
	buf, err := r.table.view(a, 8)
	if err != nil {
		return 0, err
	}
	r.bytesRead.Add(8)
	return binary.NativeEndian.Uint64(buf), nil
}

// ReadI32 reads a signed 4-byte word.
func (r *Reader) ReadI32(a CollectorAddr) (int32, error) {
	v, err := r.ReadU32(a)
	return int32(v), err
}

// ReadRef reads a reference slot. The result is still in mutator space.
func (r *Reader) ReadRef(a CollectorAddr) (MutatorAddr, error) {
	if uint64(a)%8 != 0 {
		return 0, fmt.Errorf("reference slot %s is misaligned: %w", a, ErrProtocolViolation)
	}
	buf, err := r.table.view(a, 8)
	if err != nil {
		return 0, err
	}
	v, err := loadRef(buf)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", err, ErrProtocolViolation)
	}
	r.bytesRead.Add(8)
	return MutatorAddr(v), nil
}

// ReadBytes copies n bytes starting at a.
func (r *Reader) ReadBytes(a CollectorAddr, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("invalid read length: %d", n)
	}
	buf, err := r.table.view(a, uint64(n))
	if err != nil {
		return nil, err
	}
	r.bytesRead.Add(int64(n))
	return append([]byte(nil), buf...), nil
}
