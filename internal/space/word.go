package space

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// refWord returns the 8-byte word at the start of buf. Reference slots are
// shared between processes, so they are only ever touched atomically and
// must sit on an 8-byte boundary in memory as well as in the address space.
func refWord(buf []byte) (*uint64, error) {
	p := unsafe.Pointer(unsafe.SliceData(buf))
	if len(buf) < 8 || uintptr(p)%8 != 0 {
		return nil, fmt.Errorf("reference slot at %p is not word aligned", p)
	}
	return (*uint64)(p), nil
}

func loadRef(buf []byte) (uint64, error) {
	w, err := refWord(buf)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(w), nil
}

func storeRef(buf []byte, v uint64) error {
	w, err := refWord(buf)
	if err != nil {
		return err
	}
	atomic.StoreUint64(w, v)
	return nil
}
