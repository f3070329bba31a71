//go:build linux

package shm

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Create maps a new region of size bytes. Only the first initialFootprint
// bytes are committed read/write; the rest is reserved and committed as the
// bump allocator reaches it. When shared is false the mapping is anonymous
// and private to this process.
func Create(name string, size, initialFootprint uint64, perms Permissions, shared bool) (*Region, error) {
	pageSize := uint64(os.Getpagesize())
	size = alignUp(size, pageSize)
	if size < pageSize {
		size = pageSize
	}
	initialFootprint = min(max(alignUp(initialFootprint, pageSize), pageSize), size)

	r := &Region{
		name:   name,
		fd:     -1,
		perms:  perms,
		shared: shared,
		owner:  true,
	}

	var mapFlags int
	if shared {
		fd, err := unix.MemfdCreate(name, 0)
		if err != nil {
			return nil, fmt.Errorf("memfd_create %q: %v: %w", name, err, ErrMapping)
		}
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("ftruncate %q to %d: %v: %w", name, size, err, ErrMapping)
		}
		r.fd = fd
		mapFlags = unix.MAP_SHARED
	} else {
		mapFlags = unix.MAP_PRIVATE | unix.MAP_ANON
	}

	mem, err := unix.Mmap(r.fd, 0, int(size), unix.PROT_NONE, mapFlags)
	if err != nil {
		if r.fd >= 0 {
			unix.Close(r.fd)
		}
		return nil, fmt.Errorf("mmap %q (%d bytes): %v: %w", name, size, err, ErrMapping)
	}
	r.mem = mem

	if err := r.Commit(initialFootprint); err != nil {
		r.Close()
		return nil, err
	}

	r.initHeader(name, uint32(mapFlags))
	return r, nil
}

// Attach maps the region described by h. When h belongs to another process
// the backing object is reopened through procfs.
func Attach(h Handle) (*Region, error) {
	if h.FD < 0 {
		return nil, fmt.Errorf("region %q is private: %w", h.Name, ErrMapping)
	}

	if h.PID == 0 || h.PID == os.Getpid() {
		return AttachFD(h.FD, h.Size)
	}

	path := fmt.Sprintf("/proc/%d/fd/%d", h.PID, h.FD)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, ErrMapping)
	}
	return mapExisting(fd, h.Size)
}

// AttachFD maps the backing object behind fd a second time. The descriptor
// is duplicated, so the caller keeps ownership of fd.
func AttachFD(fd int, size uint64) (*Region, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %v: %w", fd, err, ErrMapping)
	}
	return mapExisting(dup, size)
}

// AttachAt maps the region described by h at exactly addr, failing rather
// than replacing anything already mapped there. Used for regions that must
// have the same address in every process, such as the boot image.
func AttachAt(h Handle, addr uintptr) (*Region, error) {
	if h.FD < 0 {
		return nil, fmt.Errorf("region %q is private: %w", h.Name, ErrMapping)
	}

	var fd int
	var err error
	if h.PID == 0 || h.PID == os.Getpid() {
		fd, err = unix.Dup(h.FD)
	} else {
		fd, err = unix.Open(fmt.Sprintf("/proc/%d/fd/%d", h.PID, h.FD), unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("reopen %s: %v: %w", h, err, ErrMapping)
	}

	size := alignUp(h.Size, uint64(os.Getpagesize()))
	ptr, err := unix.MmapPtr(fd, 0, unsafe.Pointer(addr), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s at 0x%x: %v: %w", h, addr, err, ErrMapping)
	}
	if uintptr(ptr) != addr {
		// Kernels before 4.17 treat the flag as a hint.
		unix.MunmapPtr(ptr, uintptr(size))
		unix.Close(fd)
		return nil, fmt.Errorf("mmap %s: wanted 0x%x, got 0x%x: %w", h, addr, uintptr(ptr), ErrMapping)
	}

	r := &Region{
		mem:       unsafe.Slice((*byte)(ptr), size),
		fd:        fd,
		shared:    true,
		fixed:     true,
		committed: size,
	}
	if err := r.validateHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func mapExisting(fd int, size uint64) (*Region, error) {
	if size == 0 {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("fstat fd %d: %v: %w", fd, err, ErrMapping)
		}
		size = uint64(st.Size)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap fd %d (%d bytes): %v: %w", fd, size, err, ErrMapping)
	}

	r := &Region{
		mem:       mem,
		fd:        fd,
		shared:    true,
		committed: size,
	}
	if err := r.validateHeader(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Commit makes the first upto bytes of this mapping readable and writable.
// Attached mappings are fully committed already.
func (r *Region) Commit(upto uint64) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if upto <= r.committed {
		return nil
	}
	upto = min(alignUp(upto, uint64(os.Getpagesize())), r.Size())

	if err := unix.Mprotect(r.mem[r.committed:upto], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("commit %q up to %d: %v: %w", r.name, upto, err, ErrMapping)
	}
	r.committed = upto
	if r.committed >= HeaderSize {
		*r.Word64(offCommitted) = upto
	}
	return nil
}

// Discard tells the kernel the n bytes at off are no longer needed. Shared
// pages read back as zero afterwards.
func (r *Region) Discard(off, n uint64) error {
	pageSize := uint64(os.Getpagesize())
	start := alignUp(off, pageSize)
	end := (off + n) &^ (pageSize - 1)
	if end <= start {
		return nil
	}

	advice := unix.MADV_DONTNEED
	if r.shared {
		advice = unix.MADV_REMOVE
	}
	if err := unix.Madvise(r.mem[start:end], advice); err != nil {
		return fmt.Errorf("madvise %q [%d, %d): %w", r.name, start, end, err)
	}
	return nil
}

// Close unmaps the region and releases the backing descriptor.
func (r *Region) Close() error {
	var err error
	if r.mem != nil {
		if r.fixed {
			err = unix.MunmapPtr(unsafe.Pointer(&r.mem[0]), uintptr(len(r.mem)))
		} else {
			err = unix.Munmap(r.mem)
		}
		r.mem = nil
	}
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	return err
}
