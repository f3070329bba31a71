//go:build !linux

package shm

import "fmt"

func Create(name string, size, initialFootprint uint64, perms Permissions, shared bool) (*Region, error) {
	return nil, fmt.Errorf("create %q: unsupported platform: %w", name, ErrMapping)
}

func Attach(h Handle) (*Region, error) {
	return nil, fmt.Errorf("attach %q: unsupported platform: %w", h.Name, ErrMapping)
}

func AttachFD(fd int, size uint64) (*Region, error) {
	return nil, fmt.Errorf("attach fd %d: unsupported platform: %w", fd, ErrMapping)
}

func AttachAt(h Handle, addr uintptr) (*Region, error) {
	return nil, fmt.Errorf("attach %q: unsupported platform: %w", h.Name, ErrMapping)
}

func (r *Region) Commit(upto uint64) error {
	return fmt.Errorf("commit: unsupported platform: %w", ErrMapping)
}

func (r *Region) Discard(off, n uint64) error {
	return nil
}

func (r *Region) Close() error {
	return nil
}
