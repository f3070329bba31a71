package request

import (
	"fmt"
	"unsafe"

	"github.com/fizous/gcaas/internal/shm"
)

const maxRegionName = 64

// ControlRingOffset is where a daemon's control region keeps the ring that
// REGISTER requests arrive on. The ring is the region's first record.
const ControlRingOffset = shm.HeaderSize

// Registration is the record a newly started mutator leaves in the daemon's
// control region so the daemon can map its heap. A REGISTER request carries
// the record's offset as its data.
type Registration struct {
	PID         uint32
	FD          int32
	RegionSize  uint64
	Descriptor  uint64
	Fingerprint uint64
	NameLen     uint32
	_           uint32
	Name        [maxRegionName]byte
}

const registrationSize = uint64(unsafe.Sizeof(Registration{}))

// NewRegistration builds a record for the heap region described by h whose
// heap descriptor sits at descriptor.
func NewRegistration(h shm.Handle, descriptor, fingerprint uint64) Registration {
	r := Registration{
		PID:         uint32(h.PID),
		FD:          int32(h.FD),
		RegionSize:  h.Size,
		Descriptor:  descriptor,
		Fingerprint: fingerprint,
	}
	r.NameLen = uint32(copy(r.Name[:], h.Name))
	return r
}

// Handle returns the attach handle described by r.
func (r *Registration) Handle() shm.Handle {
	n := min(int(r.NameLen), maxRegionName)
	return shm.Handle{
		Name:  string(r.Name[:n]),
		Size:  r.RegionSize,
		Perms: shm.PermReadWrite,
		PID:   int(r.PID),
		FD:    int(r.FD),
	}
}

// WriteRegistration copies r into region and returns its offset.
func WriteRegistration(region *shm.Region, r Registration) (uint64, error) {
	off, err := region.AllocRecord(registrationSize)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate registration: %w", err)
	}
	*(*Registration)(region.Pointer(off)) = r
	return off, nil
}

// ReadRegistration copies the record at off out of region.
func ReadRegistration(region *shm.Region, off uint64) (Registration, error) {
	if off < shm.HeaderSize || off+registrationSize > region.Used() {
		return Registration{}, fmt.Errorf("registration at %d lies outside allocated records: %w", off, ErrCorrupt)
	}
	return *(*Registration)(region.Pointer(off)), nil
}
