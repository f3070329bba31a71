// Package shm creates and attaches named memory regions that can be mapped by
// more than one process at different virtual addresses.
//
// Every region starts with a fixed-layout header that both sides read as raw
// memory. The remainder is handed out by a bump allocator in offsets, never in
// pointers, because pointers are only meaningful inside one mapping.
package shm

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrMapping is returned when a backing object cannot be created or mapped.
	// The caller has no usable shared view and must give up.
	ErrMapping = errors.New("shared memory mapping failed")

	// ErrExhausted is returned by AllocRecord when the region has no room left.
	ErrExhausted = errors.New("shared memory region exhausted")
)

type Permissions uint32

const (
	PermRead  Permissions = 1 << 0
	PermWrite Permissions = 1 << 1

	PermReadWrite = PermRead | PermWrite
)

func (p Permissions) String() string {
	r, w := "-", "-"
	if p&PermRead != 0 {
		r = "r"
	}
	if p&PermWrite != 0 {
		w = "w"
	}
	return r + w
}

const (
	Magic   uint32 = 0x48534347 // "GCSH"
	Version uint32 = 1

	// HeaderSize is the fixed header at offset 0, padded to keep the first
	// record cache-line aligned.
	HeaderSize = 128

	recordAlign = 8
)

// Header field offsets. The layout is read as raw memory by the attaching
// process and must not change without bumping Version.
const (
	offMagic         = 0
	offVersion       = 4
	offBeginAddr     = 8
	offSize          = 16
	offBasePointer   = 24
	offBaseSize      = 32
	offPermissions   = 40
	offMapFlags      = 44
	offBackingHandle = 48
	offCursor        = 56
	offCommitted     = 64
	offOwnerPID      = 72
	offNameLen       = 80
	offName          = 84
	maxNameLen       = HeaderSize - offName
)

// Handle is what a mutator hands to the collector so that it can map the same
// physical pages.
type Handle struct {
	Name  string
	Size  uint64
	Perms Permissions
	PID   int
	FD    int
}

func (h Handle) String() string {
	return fmt.Sprintf("%s (%d bytes, %s) pid=%d fd=%d", h.Name, h.Size, h.Perms, h.PID, h.FD)
}

// Region is one mapping of a region. Two Regions in the same process may map
// the same backing object; they then share memory but not addresses.
type Region struct {
	name   string
	mem    []byte
	fd     int
	perms  Permissions
	shared bool
	owner  bool
	fixed  bool

	commitMu  sync.Mutex
	committed uint64
}

// Name returns the region's name as recorded in its header.
func (r *Region) Name() string {
	return r.name
}

// Size returns the full reserved size of the mapping in bytes.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Shared reports whether other processes can attach to this region.
func (r *Region) Shared() bool {
	return r.shared
}

// Owner reports whether this mapping created the region.
func (r *Region) Owner() bool {
	return r.owner
}

// FD returns the backing descriptor, or -1 for a private region.
func (r *Region) FD() int {
	return r.fd
}

// Base returns the virtual address of the first byte in this mapping.
func (r *Region) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Handle describes the region for an attaching process.
func (r *Region) Handle() Handle {
	return Handle{
		Name:  r.name,
		Size:  r.Size(),
		Perms: r.perms,
		PID:   int(r.HeaderWord(offOwnerPID)),
		FD:    int(r.HeaderWord(offBackingHandle)),
	}
}

// Bytes returns the n bytes at offset off.
func (r *Region) Bytes(off, n uint64) []byte {
	return r.mem[off : off+n : off+n]
}

// Word32 returns a pointer to the aligned 32-bit word at offset off, suitable
// for atomic and futex operations.
func (r *Region) Word32(off uint64) *uint32 {
	if off%4 != 0 {
		panic(fmt.Sprintf("shm: misaligned 32-bit word at offset %d", off))
	}
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Word64 returns a pointer to the aligned 64-bit word at offset off.
func (r *Region) Word64(off uint64) *uint64 {
	if off%8 != 0 {
		panic(fmt.Sprintf("shm: misaligned 64-bit word at offset %d", off))
	}
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// Pointer returns an unsafe pointer to offset off. Used to overlay fixed-layout
// structs on the region.
func (r *Region) Pointer(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&r.mem[off])
}

// HeaderWord reads a 64-bit header field.
func (r *Region) HeaderWord(off uint64) uint64 {
	return atomic.LoadUint64(r.Word64(off))
}

// BeginAddr is the creator's base address, as recorded at creation.
func (r *Region) BeginAddr() uintptr {
	return uintptr(r.HeaderWord(offBeginAddr))
}

// AllocRecord reserves n bytes (rounded up to 8) from the bump cursor and
// returns their offset. Pages beyond the committed footprint are committed
// on demand.
func (r *Region) AllocRecord(n uint64) (uint64, error) {
	if n == 0 {
		return 0, fmt.Errorf("zero-sized record")
	}
	n = alignUp(n, recordAlign)

	cursor := r.Word64(offCursor)
	for {
		cur := atomic.LoadUint64(cursor)
		next := cur + n
		if next > r.Size() {
			return 0, fmt.Errorf("record of %d bytes at offset %d: %w", n, cur, ErrExhausted)
		}
		if atomic.CompareAndSwapUint64(cursor, cur, next) {
			if err := r.Commit(next); err != nil {
				return 0, err
			}
			return cur, nil
		}
	}
}

// Used returns the number of bytes handed out, header included.
func (r *Region) Used() uint64 {
	return atomic.LoadUint64(r.Word64(offCursor))
}

// Committed returns how many bytes of this mapping are backed read/write.
func (r *Region) Committed() uint64 {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	return r.committed
}

func (r *Region) initHeader(name string, mapFlags uint32) {
	*r.Word32(offMagic) = Magic
	*r.Word32(offVersion) = Version
	*r.Word64(offBeginAddr) = uint64(r.Base())
	*r.Word64(offSize) = r.Size()
	*r.Word64(offBasePointer) = uint64(r.Base()) + HeaderSize
	*r.Word64(offBaseSize) = r.Size() - HeaderSize
	*r.Word32(offPermissions) = uint32(r.perms)
	*r.Word32(offMapFlags) = mapFlags
	*r.Word64(offBackingHandle) = uint64(int64(r.fd))
	*r.Word64(offOwnerPID) = uint64(os.Getpid())
	*r.Word64(offCommitted) = r.committed

	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	*r.Word32(offNameLen) = uint32(len(name))
	copy(r.mem[offName:HeaderSize], name)

	atomic.StoreUint64(r.Word64(offCursor), HeaderSize)
}

func (r *Region) validateHeader() error {
	if magic := *r.Word32(offMagic); magic != Magic {
		return fmt.Errorf("bad magic 0x%08x: %w", magic, ErrMapping)
	}
	if version := *r.Word32(offVersion); version != Version {
		return fmt.Errorf("unsupported region version %d: %w", version, ErrMapping)
	}
	if size := r.HeaderWord(offSize); size != r.Size() {
		return fmt.Errorf("header size %d does not match mapping size %d: %w", size, r.Size(), ErrMapping)
	}

	nameLen := *r.Word32(offNameLen)
	if nameLen > maxNameLen {
		return fmt.Errorf("bad name length %d: %w", nameLen, ErrMapping)
	}
	r.name = string(r.mem[offName : offName+uint64(nameLen)])
	r.perms = Permissions(*r.Word32(offPermissions))
	return nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
