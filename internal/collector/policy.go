package collector

import (
	"fmt"
	"strings"

	"github.com/fizous/gcaas/internal/heap"
	"github.com/fizous/gcaas/internal/space"
)

// RootEnumerator returns the roots a cycle starts tracing from, as mutator
// addresses.
type RootEnumerator func(desc *heap.Descriptor) []space.MutatorAddr

// PublishedRoots reads the root array the mutator published at its last
// safepoint.
func PublishedRoots(desc *heap.Descriptor) []space.MutatorAddr {
	return desc.Roots()
}

// CollectionPolicy is what distinguishes one kind of collection from
// another: which spaces are treated as already marked and whether marks
// survive from the previous cycle.
type CollectionPolicy struct {
	Name string
	Code uint32

	// Spaces that are never traced or swept. Their dirty cards are roots.
	immune [space.NumKinds]bool

	// ClearMarks resets the mark bitmaps of traced spaces at INIT. Sticky
	// collections keep them, so survivors of earlier cycles stay black and
	// only their dirty cards are rescanned.
	ClearMarks bool

	Roots RootEnumerator
}

const (
	PolicyFull uint32 = iota + 1
	PolicyPartial
	PolicySticky
)

var (
	FullPolicy = CollectionPolicy{
		Name:       "full",
		Code:       PolicyFull,
		immune:     [space.NumKinds]bool{space.KindImage: true},
		ClearMarks: true,
		Roots:      PublishedRoots,
	}
	PartialPolicy = CollectionPolicy{
		Name:       "partial",
		Code:       PolicyPartial,
		immune:     [space.NumKinds]bool{space.KindImage: true, space.KindZygote: true},
		ClearMarks: true,
		Roots:      PublishedRoots,
	}
	StickyPolicy = CollectionPolicy{
		Name:       "sticky",
		Code:       PolicySticky,
		immune:     [space.NumKinds]bool{space.KindImage: true, space.KindZygote: true},
		ClearMarks: false,
		Roots:      PublishedRoots,
	}
)

// Policies lists the known policies from most to least thorough.
func Policies() []CollectionPolicy {
	return []CollectionPolicy{FullPolicy, PartialPolicy, StickyPolicy}
}

func PolicyByName(name string) (CollectionPolicy, error) {
	for _, p := range Policies() {
		if strings.EqualFold(p.Name, name) {
			return p, nil
		}
	}
	return CollectionPolicy{}, fmt.Errorf("unknown collection policy %q (want full, partial or sticky)", name)
}

func PolicyByCode(code uint32) (CollectionPolicy, bool) {
	for _, p := range Policies() {
		if p.Code == code {
			return p, true
		}
	}
	return CollectionPolicy{}, false
}

// Immune reports whether spaces of kind k are treated as fully marked.
func (p CollectionPolicy) Immune(k space.Kind) bool {
	return int(k) < len(p.immune) && p.immune[k]
}

// Traced returns the kinds the policy marks and sweeps.
func (p CollectionPolicy) Traced() []space.Kind {
	var out []space.Kind
	for k := range space.Kind(space.NumKinds) {
		if !p.Immune(k) {
			out = append(out, k)
		}
	}
	return out
}

// ImmuneRange returns the collector-space range to publish as immune: the
// highest immune space, as the descriptor only holds one range.
func (p CollectionPolicy) ImmuneRange(t *space.Table) (space.CollectorAddr, space.CollectorAddr) {
	for k := int(space.NumKinds) - 1; k >= 0; k-- {
		if !p.Immune(space.Kind(k)) {
			continue
		}
		if e, ok := t.Entry(space.Kind(k)); ok {
			return e.CollectorBegin, e.CollectorEnd
		}
	}
	return 0, 0
}

func (p CollectionPolicy) String() string {
	return p.Name
}
