package barrier

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/hazard"
)

// BufferBarrier synchronizes a byte range of one buffer.
type BufferBarrier struct {
	Resource access.ResourceID
	Buffer   hal.Buffer
	Offset   uint64
	Size     uint64
	Hazard   hazard.Hazard
}

// ImageBarrier synchronizes a subresource range of one image, possibly
// changing its layout.
type ImageBarrier struct {
	Resource access.ResourceID
	Texture  hal.Texture
	Range    access.SubresourceRange
	Hazard   hazard.Hazard
}

// Command is one synchronization command: every barrier that must execute
// before a single native command, combined.
type Command struct {
	Kind hazard.Kind

	SrcStages access.Stage
	SrcAccess access.Flags
	DstStages access.Stage
	DstAccess access.Flags

	// Coarse is set when the command stalls all stages and memory rather
	// than the listed ranges alone.
	Coarse bool

	Buffers []BufferBarrier
	Images  []ImageBarrier
}

// Len returns the number of range barriers in the command.
func (c Command) Len() int { return len(c.Buffers) + len(c.Images) }

// IsEmpty reports whether the command carries no barrier.
func (c Command) IsEmpty() bool { return c.Len() == 0 }

// Transfers returns the number of ownership-transfer barriers.
func (c Command) Transfers() int {
	n := 0
	for _, b := range c.Buffers {
		if b.Hazard.IsTransfer() {
			n++
		}
	}
	for _, b := range c.Images {
		if b.Hazard.IsTransfer() {
			n++
		}
	}
	return n
}

// ReleaseQueues returns the source queues of the ownership transfers in
// the command, sorted.
func (c Command) ReleaseQueues() []access.QueueID {
	var qs []access.QueueID
	for _, b := range c.Buffers {
		if b.Hazard.IsTransfer() {
			qs = append(qs, b.Hazard.SrcQueue)
		}
	}
	for _, b := range c.Images {
		if b.Hazard.IsTransfer() {
			qs = append(qs, b.Hazard.SrcQueue)
		}
	}
	slices.Sort(qs)
	return slices.Compact(qs)
}

// Release returns the release half of the transfers leaving queue q. It
// must be submitted on q before the command itself is submitted on the
// destination queue.
func (c Command) Release(q access.QueueID) Command {
	var r Command
	for _, b := range c.Buffers {
		if b.Hazard.IsTransfer() && b.Hazard.SrcQueue == q {
			r.Buffers = append(r.Buffers, b)
			r.add(b.Hazard)
		}
	}
	for _, b := range c.Images {
		if b.Hazard.IsTransfer() && b.Hazard.SrcQueue == q {
			r.Images = append(r.Images, b)
			r.add(b.Hazard)
		}
	}
	r.Coarse = c.Coarse
	return r
}

// Append adds o's barriers to c.
func (c *Command) Append(o Command) {
	c.Buffers = append(c.Buffers, o.Buffers...)
	c.Images = append(c.Images, o.Images...)
	c.Kind |= o.Kind
	c.SrcStages |= o.SrcStages
	c.SrcAccess |= o.SrcAccess
	c.DstStages |= o.DstStages
	c.DstAccess |= o.DstAccess
	c.Coarse = c.Coarse || o.Coarse
}

func (c *Command) add(h hazard.Hazard) {
	c.Kind |= h.Kind
	c.SrcStages |= h.SrcStages
	c.SrcAccess |= h.SrcAccess
	c.DstStages |= h.DstStages
	c.DstAccess |= h.DstAccess
}

func (c Command) String() string {
	var sb strings.Builder
	mode := "fine"
	if c.Coarse {
		mode = "coarse"
	}
	fmt.Fprintf(&sb, "%s barrier [%s] %s/%s -> %s/%s", mode, c.Kind, c.SrcStages, c.SrcAccess, c.DstStages, c.DstAccess)
	for _, b := range c.Buffers {
		fmt.Fprintf(&sb, "\n  buffer %d [%d,%d) %s", b.Resource, b.Offset, b.Offset+b.Size, b.Hazard)
	}
	for _, b := range c.Images {
		fmt.Fprintf(&sb, "\n  image %d %s %s", b.Resource, b.Range, b.Hazard)
	}
	return sb.String()
}
