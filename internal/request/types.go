package request

import "fmt"

// Type is the kind of work a mutator asks the collector for.
type Type uint32

const (
	NOP Type = iota
	REGISTER
	CONCURRENT_GC
	EXPLICIT_GC
	ALLOCATION_GC
	TRIM
	STATS
)

func (t Type) String() string {
	switch t {
	case NOP:
		return "NOP"
	case REGISTER:
		return "REG"
	case CONCURRENT_GC:
		return "CONC_GC"
	case EXPLICIT_GC:
		return "EXPLICIT_GC"
	case ALLOCATION_GC:
		return "ALLOC_GC"
	case TRIM:
		return "TRIM"
	case STATS:
		return "STATS"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// IsCollection reports whether t drives a full collection cycle.
func (t Type) IsCollection() bool {
	return t == CONCURRENT_GC || t == EXPLICIT_GC || t == ALLOCATION_GC
}

// ParseType accepts the names printed by String.
func ParseType(s string) (Type, error) {
	for t := NOP; t <= STATS; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown request type: %s", s)
}

// Status is the progress of one ring slot. It only moves forward:
// NONE, NEW, STARTED, COMPLETE, then back to NONE once the result is taken.
type Status uint32

const (
	StatusNone Status = iota
	StatusNew
	StatusStarted
	StatusComplete
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusNew:
		return "NEW"
	case StatusStarted:
		return "STARTED"
	case StatusComplete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

const (
	// FlagDetached slots are returned to NONE by the consumer when it
	// completes them; nobody waits for their result.
	FlagDetached uint32 = 1 << 0
)

// ResultFailed is the result of a request the collector could not carry out.
const ResultFailed = ^uint64(0)

// Slot is the wire format of one ring entry.
type Slot struct {
	ProcessID uint32
	Type      Type
	Status    Status
	Flags     uint32
	Seq       uint64
	Data      uint64
	Result    uint64
}

// Request is a snapshot of a slot taken by the consumer.
type Request struct {
	Index     uint32
	ProcessID uint32
	Type      Type
	Seq       uint64
	Data      uint64
}

func (r Request) String() string {
	return fmt.Sprintf("#%d %s from pid %d (slot %d, data=0x%x)", r.Seq, r.Type, r.ProcessID, r.Index, r.Data)
}

// Ticket identifies a submitted request to its producer.
type Ticket struct {
	Index uint32
	Seq   uint64
}
