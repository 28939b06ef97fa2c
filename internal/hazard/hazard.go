// Package hazard decides whether a new access to a tracked range must be
// synchronized against the range's recorded state, and computes the state
// the range is in afterwards.
//
// Both Detect and Apply are pure functions; callers own the state.
package hazard

import (
	"fmt"
	"strings"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/track"
)

// Kind is a set of hazard classes.
type Kind uint8

// Hazard classes.
const (
	ReadAfterWrite Kind = 1 << iota
	WriteAfterRead
	WriteAfterWrite
	LayoutTransition
	OwnershipTransfer

	// Reset resolves a range whose device state is unknown.
	Reset

	None Kind = 0
)

var kindNames = []struct {
	k    Kind
	name string
}{
	{ReadAfterWrite, "raw"},
	{WriteAfterRead, "war"},
	{WriteAfterWrite, "waw"},
	{LayoutTransition, "layout"},
	{OwnershipTransfer, "ownership"},
	{Reset, "reset"},
}

// Kinds lists every hazard class in a stable order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i, n := range kindNames {
		out[i] = n.k
	}
	return out
}

func (k Kind) String() string {
	if k == None {
		return "none"
	}
	var parts []string
	for _, n := range kindNames {
		if k&n.k != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}

// Use is the part of an access the detector looks at.
type Use struct {
	Kind   access.Kind
	Stages access.Stage
	Access access.Flags
	Layout access.Layout
	Queue  access.QueueID

	// Exclusive is set for resources that need ownership transfers
	// between queues.
	Exclusive bool
}

// Writes reports whether the use modifies memory.
func (u Use) Writes() bool { return u.Access.HasWrite() }

// Hazard is the synchronization one use requires against the recorded
// state. The zero Hazard requires nothing.
type Hazard struct {
	Kind Kind

	SrcStages access.Stage
	SrcAccess access.Flags
	DstStages access.Stage
	DstAccess access.Flags

	OldLayout access.Layout
	NewLayout access.Layout

	SrcQueue access.QueueID
	DstQueue access.QueueID

	// Prev holds every access type recorded on the range since its last
	// write, including that write. Backends that track usages rather than
	// access masks transition from it.
	Prev access.Flags
}

// IsNone reports whether no synchronization is needed.
func (h Hazard) IsNone() bool { return h.Kind == None }

// Has reports whether h includes any class in k.
func (h Hazard) Has(k Kind) bool { return h.Kind&k != 0 }

// IsTransfer reports whether h moves queue ownership.
func (h Hazard) IsTransfer() bool {
	return h.Kind&OwnershipTransfer != 0 && h.SrcQueue != h.DstQueue
}

func (h Hazard) String() string {
	if h.IsNone() {
		return "none"
	}
	s := fmt.Sprintf("%s %s/%s -> %s/%s", h.Kind, h.SrcStages, h.SrcAccess, h.DstStages, h.DstAccess)
	if h.OldLayout != h.NewLayout {
		s += fmt.Sprintf(" layout %s -> %s", h.OldLayout, h.NewLayout)
	}
	if h.IsTransfer() {
		s += fmt.Sprintf(" queue %d -> %d", h.SrcQueue, h.DstQueue)
	}
	return s
}

// targetLayout is the layout u leaves an image in.
func targetLayout(prev track.State, u Use) access.Layout {
	if u.Kind != access.KindImage || u.Layout == access.LayoutUndefined {
		return prev.Layout
	}
	return u.Layout
}

// Detect compares a new use against the recorded state of one range.
//
//	prev        new    hazard
//	read        read   none
//	read        write  write-after-read
//	write       read   read-after-write (unless already visible to the reader)
//	write       write  write-after-write
//	other queue any    ownership transfer (exclusive resources)
//	layout A    B      layout transition (images, even between reads)
//
// Every class found is folded into one Hazard so a single barrier
// resolves them all.
func Detect(prev track.State, u Use) Hazard {
	h := Hazard{
		DstStages: u.Stages,
		DstAccess: u.Access,
		OldLayout: prev.Layout,
		NewLayout: targetLayout(prev, u),
		SrcQueue:  u.Queue,
		DstQueue:  u.Queue,
	}

	if prev.Indeterminate {
		h.Kind = Reset
		h.SrcStages = access.StageAllCommands
		h.SrcAccess = access.MemoryWrite
		h.OldLayout = access.LayoutUndefined
		if prev.Owned {
			h.SrcQueue = prev.Queue
		}
		return h
	}

	if u.Exclusive && prev.Owned && prev.Queue != u.Queue {
		h.Kind |= OwnershipTransfer
		h.SrcQueue = prev.Queue
	}
	if u.Kind == access.KindImage && h.NewLayout != prev.Layout {
		h.Kind |= LayoutTransition
	}

	write := u.Writes()
	switch {
	case write && prev.ReadStages != access.StageNone:
		h.Kind |= WriteAfterRead
	case write && prev.Written:
		h.Kind |= WriteAfterWrite
	case !write && prev.Written && !visible(prev, u):
		h.Kind |= ReadAfterWrite
	}

	if h.Kind == None {
		return Hazard{}
	}

	switch {
	case h.Kind&(WriteAfterRead|LayoutTransition|OwnershipTransfer) != 0:
		h.SrcStages = prev.ReadStages | prev.WriteStages
	default:
		h.SrcStages = prev.WriteStages
	}
	// Reads have nothing to make available; only a pending write does.
	if prev.Written && h.Kind&^WriteAfterRead != 0 {
		h.SrcAccess = prev.WriteAccess & access.WriteMask
	}
	if h.SrcStages == access.StageNone {
		h.SrcStages = access.StageTopOfPipe
	}
	h.Prev = prev.WriteAccess | prev.ReadAccess
	return h
}

// visible reports whether the last write is already visible to u.
func visible(prev track.State, u Use) bool {
	return prev.VisibleStages.Contains(u.Stages) && prev.VisibleAccess.Contains(u.Access)
}

// Apply returns the state of a range after u executes behind h, which must
// be the result of Detect(prev, u).
func Apply(prev track.State, u Use, h Hazard, scope uint64) track.State {
	n := prev
	n.Scope = scope
	n.Indeterminate = false
	n.Queue = u.Queue
	n.Owned = u.Exclusive
	n.Layout = targetLayout(prev, u)
	if h.Has(Reset) {
		n.Layout = targetLayout(track.State{}, u)
	}

	switch {
	case u.Writes():
		n.Written = true
		n.WriteStages = u.Stages
		n.WriteAccess = u.Access
		n.VisibleStages, n.VisibleAccess = access.StageNone, access.None
		n.ReadStages, n.ReadAccess = access.StageNone, access.None

	case h.Has(LayoutTransition | OwnershipTransfer | Reset):
		// The barrier itself acts as the last write: it completes before
		// u's stages and is visible to u only.
		n.Written = true
		n.WriteStages = u.Stages
		n.WriteAccess = access.None
		n.VisibleStages, n.VisibleAccess = u.Stages, u.Access
		n.ReadStages, n.ReadAccess = u.Stages, u.Access

	case h.Has(ReadAfterWrite):
		n.VisibleStages |= u.Stages
		n.VisibleAccess |= u.Access
		n.ReadStages |= u.Stages
		n.ReadAccess |= u.Access

	default:
		n.ReadStages |= u.Stages
		n.ReadAccess |= u.Access
	}
	return n
}

// Union folds o into u. Both must be uses of one command on the same
// range, so kind, layout and queue agree; Conflict rejects the rest.
func (u Use) Union(o Use) Use {
	u.Stages |= o.Stages
	u.Access |= o.Access
	return u
}

// Union folds the hazard found for another use of the same command on the
// same range into h.
func (h Hazard) Union(o Hazard) Hazard {
	switch {
	case o.IsNone():
		return h
	case h.IsNone():
		return o
	}
	h.Kind |= o.Kind
	h.SrcStages |= o.SrcStages
	h.SrcAccess |= o.SrcAccess
	h.DstStages |= o.DstStages
	h.DstAccess |= o.DstAccess
	h.Prev |= o.Prev
	return h
}

// Conflict reports why two uses of overlapping ranges cannot appear in the
// same command, or "" when they can.
func Conflict(a, b Use) string {
	if a.Writes() || b.Writes() {
		return "overlapping ranges written and accessed by the same command"
	}
	if a.Kind == access.KindImage && a.Layout != b.Layout {
		return fmt.Sprintf("same subresources required in layouts %s and %s by one command", a.Layout, b.Layout)
	}
	if a.Queue != b.Queue {
		return "one command accesses a range from two queues"
	}
	return ""
}
