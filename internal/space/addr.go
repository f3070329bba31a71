// Package space models the two address spaces that view one shared heap: the
// mutator's and the collector's. Addresses from each side are distinct types
// and the translation table is the only place one becomes the other.
package space

import "fmt"

// MutatorAddr is an address valid in the mutator process. Reference slots in
// the heap hold mutator addresses, since the mutator wrote them.
type MutatorAddr uintptr

// CollectorAddr is an address valid in the collector process.
type CollectorAddr uintptr

func (a MutatorAddr) String() string {
	return fmt.Sprintf("m:0x%x", uintptr(a))
}

func (a CollectorAddr) String() string {
	return fmt.Sprintf("c:0x%x", uintptr(a))
}

func (a MutatorAddr) IsNull() bool {
	return a == 0
}

func (a CollectorAddr) IsNull() bool {
	return a == 0
}

// Add returns a offset by n bytes.
func (a MutatorAddr) Add(n uint64) MutatorAddr {
	return a + MutatorAddr(n)
}

// Add returns a offset by n bytes.
func (a CollectorAddr) Add(n uint64) CollectorAddr {
	return a + CollectorAddr(n)
}

// Kind identifies a logical heap region.
type Kind uint8

const (
	KindImage Kind = iota
	KindZygote
	KindAlloc

	NumKinds = 3
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindZygote:
		return "zygote"
	case KindAlloc:
		return "alloc"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for k := Kind(0); k < NumKinds; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown space kind %q", s)
}
