// Package heap lays out a shared heap: a metadata region holding the heap
// descriptor, bitmaps, card tables, mark stack, request ring and root array,
// plus one region per space.
//
// The mutator creates the heap. The collector opens it from the metadata
// region's handle and maps each space wherever its own address space has
// room, except the image, which must sit at the mutator's address.
package heap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/fizous/gcaas/internal/markstack"
	"github.com/fizous/gcaas/internal/request"
	"github.com/fizous/gcaas/internal/shm"
	"github.com/fizous/gcaas/internal/space"
)

// Options sizes a new heap.
type Options struct {
	Name       string
	ImageSize  uint64
	ZygoteSize uint64
	AllocSize  uint64

	MarkStackCapacity int
	RingCapacity      int
	RootCapacity      int
	FreeListCapacity  int

	Alignment   uint64
	Fingerprint uint64

	// Shared heaps are backed by memfds another process can attach.
	// Private heaps can only be collected in-process.
	Shared bool
}

func DefaultOptions() Options {
	return Options{
		Name:              "gcsvc",
		ImageSize:         1 << 20,
		ZygoteSize:        4 << 20,
		AllocSize:         16 << 20,
		MarkStackCapacity: 64 << 10,
		RingCapacity:      16,
		RootCapacity:      1024,
		FreeListCapacity:  4096,
		Alignment:         space.DefaultAlignment,
		Shared:            true,
	}
}

func (o Options) sizeOf(kind space.Kind) uint64 {
	switch kind {
	case space.KindImage:
		return o.ImageSize
	case space.KindZygote:
		return o.ZygoteSize
	default:
		return o.AllocSize
	}
}

// Heap is one process's view of a shared heap.
type Heap struct {
	meta   *shm.Region
	desc   *Descriptor
	spaces [space.NumKinds]*BumpSpace
	stack  *markstack.Stack
	ring   *request.Ring
}

// Create builds a new heap owned by the calling process.
func Create(opts Options) (*Heap, error) {
	if opts.Alignment == 0 {
		opts.Alignment = space.DefaultAlignment
	}
	if opts.MarkStackCapacity <= 0 || opts.RingCapacity <= 0 || opts.RootCapacity <= 0 || opts.FreeListCapacity <= 0 {
		return nil, fmt.Errorf("heap %q: capacities must be positive", opts.Name)
	}

	metaSize := shm.HeaderSize + descriptorSize + 4096
	for kind := range space.Kind(space.NumKinds) {
		size := opts.sizeOf(kind)
		metaSize += 2*uint64(BitmapWords(size, opts.Alignment))*8 + uint64(CardWords(size))*4 +
			uint64(opts.FreeListCapacity)*freeChunkSize + 64
	}
	metaSize += uint64(opts.RootCapacity)*8 + uint64(opts.MarkStackCapacity)*8 + 64
	metaSize += uint64(opts.RingCapacity)*128 + 128

	meta, err := shm.Create(opts.Name+"-meta", metaSize, metaSize, shm.PermReadWrite, opts.Shared)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata region: %w", err)
	}
	h := &Heap{meta: meta}
	if err := h.build(opts); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Heap) build(opts Options) error {
	desc, err := newDescriptor(h.meta, opts.Fingerprint, os.Getpid())
	if err != nil {
		return err
	}
	h.desc = desc
	d := desc.d

	for kind := range space.Kind(space.NumKinds) {
		size := opts.sizeOf(kind)
		region, err := shm.Create(fmt.Sprintf("%s-%s", opts.Name, kind), shm.HeaderSize+size, shm.HeaderSize, shm.PermReadWrite, opts.Shared)
		if err != nil {
			return fmt.Errorf("failed to create %s space: %w", kind, err)
		}

		rec := &d.spaces[kind]
		rec.kind = uint32(kind)
		rec.fd = int32(region.FD())
		rec.pid = uint32(os.Getpid())
		rec.regionSize = region.Size()
		rec.mutatorBegin = uint64(region.Base() + shm.HeaderSize)
		rec.limit = size
		rec.freeCap = uint32(opts.FreeListCapacity)

		allocs := []struct {
			dst  *uint64
			size uint64
		}{
			{&rec.liveOff, uint64(BitmapWords(size, opts.Alignment)) * 8},
			{&rec.markOff, uint64(BitmapWords(size, opts.Alignment)) * 8},
			{&rec.cardOff, uint64(CardWords(size)) * 4},
			{&rec.freeOff, uint64(opts.FreeListCapacity) * freeChunkSize},
		}
		for _, a := range allocs {
			off, err := h.meta.AllocRecord(a.size)
			if err != nil {
				region.Close()
				return fmt.Errorf("failed to allocate %s space metadata: %w", kind, err)
			}
			*a.dst = off
		}

		s, err := h.view(kind, region, opts.Alignment)
		if err != nil {
			region.Close()
			return err
		}
		h.spaces[kind] = s
	}

	d.rootsCap = uint32(opts.RootCapacity)
	if d.rootsOff, err = h.meta.AllocRecord(uint64(opts.RootCapacity) * 8); err != nil {
		return fmt.Errorf("failed to allocate root array: %w", err)
	}
	if h.stack, d.markStackOff, err = markstack.NewShared("gray", h.meta, opts.MarkStackCapacity); err != nil {
		return err
	}
	if h.ring, d.ringOff, err = request.NewShared(h.meta, opts.RingCapacity); err != nil {
		return err
	}
	return nil
}

// view wraps the shared record of kind with this process's mapping.
func (h *Heap) view(kind space.Kind, region *shm.Region, alignment uint64) (*BumpSpace, error) {
	rec := &h.desc.d.spaces[kind]
	size := rec.limit
	if shm.HeaderSize+size > region.Size() {
		return nil, fmt.Errorf("%s space of %d bytes does not fit its %d byte region: %w", kind, size, region.Size(), shm.ErrMapping)
	}

	words := BitmapWords(size, alignment)
	live, err := NewSpaceBitmap(kind.String()+" live", unsafe.Slice((*uint64)(h.meta.Pointer(rec.liveOff)), words), size, alignment)
	if err != nil {
		return nil, err
	}
	mark, err := NewSpaceBitmap(kind.String()+" mark", unsafe.Slice((*uint64)(h.meta.Pointer(rec.markOff)), words), size, alignment)
	if err != nil {
		return nil, err
	}
	cards, err := NewCardTable(unsafe.Slice((*uint32)(h.meta.Pointer(rec.cardOff)), CardWords(size)), size)
	if err != nil {
		return nil, err
	}

	return &BumpSpace{
		kind:   kind,
		rec:    rec,
		region: region,
		free:   unsafe.Slice((*freeChunk)(h.meta.Pointer(rec.freeOff)), rec.freeCap),
		Live:   live,
		Mark:   mark,
		Cards:  cards,
	}, nil
}

// Attacher maps one space of another process's heap. It reports borrowed
// when the returned mapping is owned elsewhere and must not be closed.
type Attacher func(kind space.Kind, h shm.Handle, mutatorBegin space.MutatorAddr) (region *shm.Region, borrowed bool, err error)

// RemoteAttacher maps spaces through procfs. The image is mapped at the
// mutator's own address.
func RemoteAttacher() Attacher {
	return func(kind space.Kind, h shm.Handle, mutatorBegin space.MutatorAddr) (*shm.Region, bool, error) {
		if kind == space.KindImage {
			r, err := shm.AttachAt(h, uintptr(mutatorBegin)-shm.HeaderSize)
			return r, false, err
		}
		r, err := shm.Attach(h)
		return r, false, err
	}
}

// LocalAttacher maps the spaces of h a second time in this process, so a
// collector running alongside the mutator sees them at different addresses.
// The image mapping is shared with h.
func (h *Heap) LocalAttacher() Attacher {
	return func(kind space.Kind, hd shm.Handle, _ space.MutatorAddr) (*shm.Region, bool, error) {
		if kind == space.KindImage {
			return h.spaces[kind].region, true, nil
		}
		r, err := shm.AttachFD(hd.FD, hd.Size)
		return r, false, err
	}
}

// Open attaches to a heap through its metadata region, taking ownership of
// meta. Fingerprint is the object layout the caller expects; zero skips
// the check.
func Open(meta *shm.Region, attach Attacher, alignment uint64, fingerprint uint64) (*Heap, error) {
	desc, err := openDescriptor(meta)
	if err != nil {
		meta.Close()
		return nil, err
	}
	if fingerprint != 0 && desc.Fingerprint() != fingerprint {
		meta.Close()
		return nil, fmt.Errorf("object layout fingerprint %016x does not match %016x: %w",
			desc.Fingerprint(), fingerprint, space.ErrProtocolViolation)
	}
	if alignment == 0 {
		alignment = space.DefaultAlignment
	}

	h := &Heap{meta: meta, desc: desc}
	d := desc.d
	for kind := range space.Kind(space.NumKinds) {
		rec := &d.spaces[kind]
		hd := shm.Handle{
			Name:  kind.String(),
			Size:  rec.regionSize,
			Perms: shm.PermReadWrite,
			PID:   int(rec.pid),
			FD:    int(rec.fd),
		}
		region, borrowed, err := attach(kind, hd, space.MutatorAddr(rec.mutatorBegin))
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("failed to attach %s space: %w", kind, err)
		}
		s, err := h.view(kind, region, alignment)
		if err != nil {
			if !borrowed {
				region.Close()
			}
			h.Close()
			return nil, err
		}
		s.borrowed = borrowed
		h.spaces[kind] = s
	}

	if h.stack, err = markstack.Open("gray", meta, d.markStackOff); err != nil {
		h.Close()
		return nil, err
	}
	if h.ring, err = request.Open(meta, d.ringOff); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Heap) Descriptor() *Descriptor {
	return h.desc
}

func (h *Heap) Meta() *shm.Region {
	return h.meta
}

func (h *Heap) Space(kind space.Kind) *BumpSpace {
	return h.spaces[kind]
}

func (h *Heap) Spaces() []*BumpSpace {
	return h.spaces[:]
}

// Stack returns the shared gray stack.
func (h *Heap) Stack() *markstack.Stack {
	return h.stack
}

// Ring returns the request ring.
func (h *Heap) Ring() *request.Ring {
	return h.ring
}

// Handle returns the attach handle of the metadata region.
func (h *Heap) Handle() shm.Handle {
	return h.meta.Handle()
}

// Table builds the translation table between the mutator's addresses, as
// recorded at creation, and this mapping's.
func (h *Heap) Table() (*space.Table, error) {
	t := space.NewTable(h.spaces[space.KindAlloc].Live.alignment)
	for _, s := range h.spaces {
		e := space.NewEntry(s.kind, s.MutatorBegin(), space.CollectorAddr(s.Begin()), s.Capacity())
		if err := t.Add(e, s.Data()); err != nil {
			return nil, fmt.Errorf("failed to add %s space: %w", s.kind, err)
		}
	}
	return t, nil
}

// Writer returns a mutator-side writer over every space. Only meaningful in
// the process that created the heap.
func (h *Heap) Writer() *space.Writer {
	w := space.NewWriter()
	for _, s := range h.spaces {
		w.Map(s.MutatorBegin(), s.Data())
	}
	return w
}

// MutatorSpace returns the space holding a and a's offset in it.
func (h *Heap) MutatorSpace(a space.MutatorAddr) (*BumpSpace, uint64, bool) {
	for _, s := range h.spaces {
		begin := s.MutatorBegin()
		if a >= begin && uint64(a-begin) < s.Capacity() {
			return s, uint64(a - begin), true
		}
	}
	return nil, 0, false
}

// CollectorSpace returns the space holding a and a's offset in it.
func (h *Heap) CollectorSpace(a space.CollectorAddr) (*BumpSpace, uint64, bool) {
	for _, s := range h.spaces {
		begin := space.CollectorAddr(s.Begin())
		if a >= begin && uint64(a-begin) < s.Capacity() {
			return s, uint64(a - begin), true
		}
	}
	return nil, 0, false
}

// Close unmaps everything this heap owns.
func (h *Heap) Close() error {
	var errs []error
	for i, s := range h.spaces {
		if s == nil || s.borrowed {
			continue
		}
		errs = append(errs, s.region.Close())
		h.spaces[i] = nil
	}
	if h.meta != nil {
		errs = append(errs, h.meta.Close())
		h.meta = nil
	}
	return errors.Join(errs...)
}

func (h *Heap) String() string {
	return fmt.Sprintf("heap %s: %s, stack %s, %s", h.meta.Name(), h.desc.Phase(), h.stack, h.ring)
}

