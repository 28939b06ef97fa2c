package gpusync

import (
	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/barrier"
	"github.com/gogpu/gpusync/internal/hazard"
)

// HazardKind is a set of hazard classes.
type HazardKind = hazard.Kind

// Hazard classes.
const (
	HazardReadAfterWrite    = hazard.ReadAfterWrite
	HazardWriteAfterRead    = hazard.WriteAfterRead
	HazardWriteAfterWrite   = hazard.WriteAfterWrite
	HazardLayoutTransition  = hazard.LayoutTransition
	HazardOwnershipTransfer = hazard.OwnershipTransfer
	HazardReset             = hazard.Reset
)

// Barrier is one range-level barrier inside a SyncCommand.
type Barrier struct {
	Resource access.ResourceID
	Kind     access.Kind

	// Offset and Size locate a buffer barrier; Range locates an image one.
	Offset, Size uint64
	Range        access.SubresourceRange

	Hazard    HazardKind
	OldLayout access.Layout
	NewLayout access.Layout
	SrcQueue  access.QueueID
	DstQueue  access.QueueID
}

// SyncCommand is one synchronization command a recorder emitted before a
// native command. Release commands are the source-queue half of
// ownership transfers and run on SrcQueue.
type SyncCommand struct {
	// Op names the declared operation the command precedes.
	Op      string
	Release bool

	Hazards   HazardKind
	SrcStages access.Stage
	SrcAccess access.Flags
	DstStages access.Stage
	DstAccess access.Flags
	Coarse    bool

	Barriers []Barrier

	text string
}

func (s SyncCommand) String() string { return s.text }

// Transfers returns the number of ownership-transfer barriers.
func (s SyncCommand) Transfers() int {
	n := 0
	for _, b := range s.Barriers {
		if b.Hazard&HazardOwnershipTransfer != 0 && b.SrcQueue != b.DstQueue {
			n++
		}
	}
	return n
}

func newSyncCommand(op string, release bool, c barrier.Command) SyncCommand {
	s := SyncCommand{
		Op:        op,
		Release:   release,
		Hazards:   c.Kind,
		SrcStages: c.SrcStages,
		SrcAccess: c.SrcAccess,
		DstStages: c.DstStages,
		DstAccess: c.DstAccess,
		Coarse:    c.Coarse,
		text:      c.String(),
	}
	for _, b := range c.Buffers {
		s.Barriers = append(s.Barriers, Barrier{
			Resource: b.Resource,
			Kind:     access.KindBuffer,
			Offset:   b.Offset,
			Size:     b.Size,
			Hazard:   b.Hazard.Kind,
			SrcQueue: b.Hazard.SrcQueue,
			DstQueue: b.Hazard.DstQueue,
		})
	}
	for _, b := range c.Images {
		s.Barriers = append(s.Barriers, Barrier{
			Resource:  b.Resource,
			Kind:      access.KindImage,
			Range:     b.Range,
			Hazard:    b.Hazard.Kind,
			OldLayout: b.Hazard.OldLayout,
			NewLayout: b.Hazard.NewLayout,
			SrcQueue:  b.Hazard.SrcQueue,
			DstQueue:  b.Hazard.DstQueue,
		})
	}
	return s
}
