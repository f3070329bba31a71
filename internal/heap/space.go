package heap

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/fizous/gcaas/internal/futex"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

// ErrOutOfSpace is returned by Allocate when neither the bump pointer nor the
// free list can satisfy a request. The mutator answers it with an
// allocation-triggered collection.
var ErrOutOfSpace = errors.New("space exhausted")

// spaceRecord is the shared bookkeeping of one space. Offsets of bitmaps,
// cards and free chunks point into the metadata region.
type spaceRecord struct {
	kind uint32
	fd   int32
	pid  uint32
	lock futex.Mutex

	regionSize   uint64
	mutatorBegin uint64
	limit        uint64
	cursor       uint64

	liveOff uint64
	markOff uint64
	cardOff uint64
	freeOff uint64
	freeCap uint32
	freeLen uint32

	objects uint64
	bytes   uint64
	lost    uint64
}

type freeChunk struct {
	off  uint64
	size uint64
}

const freeChunkSize = uint64(unsafe.Sizeof(freeChunk{}))

// BumpSpace is one process's view of a space: bump allocation with a shared
// free list, plus the space's live and mark bitmaps and card table.
// Addresses it hands out are offsets from the start of the space data.
type BumpSpace struct {
	kind   space.Kind
	rec    *spaceRecord
	region *shm.Region
	free   []freeChunk

	// Borrowed mappings belong to someone else and are not closed with
	// the heap.
	borrowed bool

	Live  *SpaceBitmap
	Mark  *SpaceBitmap
	Cards *CardTable
}

func (s *BumpSpace) Kind() space.Kind {
	return s.kind
}

// Region returns the mapping of the space in this process.
func (s *BumpSpace) Region() *shm.Region {
	return s.region
}

// Begin returns the address of the first data byte in this mapping.
func (s *BumpSpace) Begin() uintptr {
	return s.region.Base() + shm.HeaderSize
}

// MutatorBegin returns the address of the first data byte in the mutator.
func (s *BumpSpace) MutatorBegin() space.MutatorAddr {
	return space.MutatorAddr(atomic.LoadUint64(&s.rec.mutatorBegin))
}

// Data returns the space's bytes in this mapping.
func (s *BumpSpace) Data() []byte {
	return s.region.Bytes(shm.HeaderSize, s.Capacity())
}

// Capacity returns the number of allocatable bytes.
func (s *BumpSpace) Capacity() uint64 {
	return atomic.LoadUint64(&s.rec.limit)
}

// Footprint returns the high-water mark of the bump pointer.
func (s *BumpSpace) Footprint() uint64 {
	return atomic.LoadUint64(&s.rec.cursor)
}

// Allocated returns the bytes held by live allocations.
func (s *BumpSpace) Allocated() uint64 {
	return atomic.LoadUint64(&s.rec.bytes)
}

// Objects returns the number of live allocations.
func (s *BumpSpace) Objects() uint64 {
	return atomic.LoadUint64(&s.rec.objects)
}

// Lost returns bytes freed while the free list was full. They are only
// recovered by resetting the space.
func (s *BumpSpace) Lost() uint64 {
	return atomic.LoadUint64(&s.rec.lost)
}

// FreeChunks returns the number of chunks on the free list.
func (s *BumpSpace) FreeChunks() int {
	return int(atomic.LoadUint32(&s.rec.freeLen))
}

// Allocate reserves size bytes, first from the free list and then from the
// bump pointer, and sets the object's live bit.
func (s *BumpSpace) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("zero-sized allocation in %s space", s.kind)
	}
	size = alignUp(size, s.Live.alignment)

	futex.Acquire(&s.rec.lock)
	off, ok := s.takeFree(size)
	if !ok {
		cur := s.rec.cursor
		if cur+size > s.rec.limit {
			futex.Release(&s.rec.lock)
			return 0, fmt.Errorf("allocate %d bytes in %s space (%d/%d used): %w",
				size, s.kind, cur, s.rec.limit, ErrOutOfSpace)
		}
		off = cur
		atomic.StoreUint64(&s.rec.cursor, cur+size)
	}
	atomic.AddUint64(&s.rec.objects, 1)
	atomic.AddUint64(&s.rec.bytes, size)
	s.Live.Set(off)
	futex.Release(&s.rec.lock)

	if err := s.region.Commit(shm.HeaderSize + off + size); err != nil {
		return 0, err
	}
	return off, nil
}

// takeFree carves size bytes out of the free list, preferring a chunk of
// exactly that size over splitting a larger one.
func (s *BumpSpace) takeFree(size uint64) (uint64, bool) {
	n := s.rec.freeLen
	pick := -1
	for i := uint32(0); i < n; i++ {
		if c := s.free[i].size; c == size {
			pick = int(i)
			break
		} else if c > size && pick < 0 {
			pick = int(i)
		}
	}
	if pick >= 0 {
		i := uint32(pick)
		c := &s.free[i]
		off := c.off
		c.off += size
		c.size -= size
		if c.size == 0 {
			s.free[i] = s.free[n-1]
			atomic.StoreUint32(&s.rec.freeLen, n-1)
		}
		clear(s.region.Bytes(shm.HeaderSize+off, size))
		return off, true
	}
	return 0, false
}

// Free returns the object at off to the free list and clears its live bit.
// A chunk that does not fit on a full free list is counted as lost.
func (s *BumpSpace) Free(off, size uint64) error {
	if !s.Live.HasOffset(off) || off+size > s.Capacity() {
		return fmt.Errorf("free [%d, %d) outside %s space: %w", off, off+size, s.kind, space.ErrProtocolViolation)
	}
	size = alignUp(size, s.Live.alignment)

	futex.Acquire(&s.rec.lock)
	defer futex.Release(&s.rec.lock)

	if !s.Live.Test(off) {
		return fmt.Errorf("double free at +%d in %s space: %w", off, s.kind, space.ErrProtocolViolation)
	}
	s.Live.Clear(off)
	atomic.AddUint64(&s.rec.objects, ^uint64(0))
	atomic.AddUint64(&s.rec.bytes, -size)

	n := s.rec.freeLen
	if n == s.rec.freeCap {
		atomic.AddUint64(&s.rec.lost, size)
		return nil
	}
	s.free[n] = freeChunk{off: off, size: size}
	atomic.StoreUint32(&s.rec.freeLen, n+1)
	return nil
}

// Trim pulls the bump pointer back over free chunks that end at it and hands
// the pages under the remaining chunks and the retreated tail back to the
// kernel. It returns the number of bytes released.
func (s *BumpSpace) Trim() (uint64, error) {
	futex.Acquire(&s.rec.lock)
	defer futex.Release(&s.rec.lock)

	top := s.rec.cursor
	for shrunk := true; shrunk; {
		shrunk = false
		n := s.rec.freeLen
		for i := uint32(0); i < n; i++ {
			c := s.free[i]
			if c.off+c.size != s.rec.cursor {
				continue
			}
			atomic.StoreUint64(&s.rec.cursor, c.off)
			s.free[i] = s.free[n-1]
			atomic.StoreUint32(&s.rec.freeLen, n-1)
			shrunk = true
			break
		}
	}

	page := uint64(os.Getpagesize())
	var released uint64
	discard := func(off, size uint64) error {
		start := alignUp(shm.HeaderSize+off, page)
		end := (shm.HeaderSize + off + size) &^ (page - 1)
		if end <= start {
			return nil
		}
		if err := s.region.Discard(start, end-start); err != nil {
			return fmt.Errorf("trim %s space: %w", s.kind, err)
		}
		released += end - start
		return nil
	}

	for _, c := range s.free[:s.rec.freeLen] {
		if err := discard(c.off, c.size); err != nil {
			return released, err
		}
	}
	if err := discard(s.rec.cursor, top-s.rec.cursor); err != nil {
		return released, err
	}
	return released, nil
}

// Contains reports whether off is an allocated offset.
func (s *BumpSpace) Contains(off uint64) bool {
	return s.Live.HasOffset(off) && off < s.Footprint()
}

func (s *BumpSpace) String() string {
	return fmt.Sprintf("%s space: %d objects, %d/%d bytes, footprint %d, %d free chunks",
		s.kind, s.Objects(), s.Allocated(), s.Capacity(), s.Footprint(), s.FreeChunks())
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
