package phase

import "fmt"

// Phase is one stage of a collection cycle.
type Phase uint32

const (
	None Phase = iota
	PreInit
	Init
	RootMark
	RootConcMark
	MarkReachables
	MarkRecursive
	PreConcRootMark
	ConcMark
	Reclaim
	Finish
	PostFinish
)

func (p Phase) String() string {
	switch p {
	case None:
		return "NONE"
	case PreInit:
		return "PRE_INIT"
	case Init:
		return "INIT"
	case RootMark:
		return "ROOT_MARK"
	case RootConcMark:
		return "ROOT_CONC_MARK"
	case MarkReachables:
		return "MARK_REACHABLES"
	case MarkRecursive:
		return "MARK_RECURSIVE"
	case PreConcRootMark:
		return "PRE_CONC_ROOT_MARK"
	case ConcMark:
		return "CONC_MARK"
	case Reclaim:
		return "RECLAIM"
	case Finish:
		return "FINISH"
	case PostFinish:
		return "POST_FINISH"
	default:
		return fmt.Sprintf("Phase(%d)", uint32(p))
	}
}

// Next returns the phase that follows p within a cycle. FINISH wraps to NONE;
// POST_FINISH has no successor and returns itself.
func (p Phase) Next() Phase {
	switch {
	case p == Finish:
		return None
	case p >= PostFinish:
		return PostFinish
	default:
		return p + 1
	}
}

// InCycle reports whether p lies strictly between NONE and POST_FINISH.
func (p Phase) InCycle() bool {
	return p > None && p < PostFinish
}

// Cycle returns the phases of one cycle in order, PRE_INIT through FINISH.
func Cycle() []Phase {
	out := make([]Phase, 0, int(Finish))
	for p := PreInit; p <= Finish; p++ {
		out = append(out, p)
	}
	return out
}

// Parse returns the phase named s.
func Parse(s string) (Phase, error) {
	for p := None; p <= PostFinish; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase: %s", s)
}
