package access

import (
	"fmt"
	"slices"
)

// ResourceID identifies a tracked resource for the lifetime of its
// registration. The zero value never names a resource.
type ResourceID uint64

// QueueID identifies a queue (family) that executes command buffers.
type QueueID uint32

// Kind tags a resource as a buffer or an image.
type Kind uint8

// Resource kinds.
const (
	KindBuffer Kind = iota + 1
	KindImage
)

func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Aspect is a set of image aspects.
type Aspect uint32

// Image aspects.
const (
	AspectColor Aspect = 1 << iota
	AspectDepth
	AspectStencil
)

var aspectNames = []flagName[Aspect]{
	{AspectColor, "color"},
	{AspectDepth, "depth"},
	{AspectStencil, "stencil"},
}

func (a Aspect) String() string { return formatFlags(a, aspectNames) }

// ParseAspect parses a "|"-separated list of aspect names.
func ParseAspect(s string) (Aspect, error) { return parseFlags(s, "aspect", aspectNames) }

// Range is the part of a resource an access touches: a BufferRange for
// buffers or a SubresourceRange for images. A nil Range covers the whole
// resource.
type Range interface {
	Kind() Kind
	isRange()
}

// BufferRange is a byte range. Size zero means "to the end of the buffer".
type BufferRange struct {
	Offset uint64
	Size   uint64
}

// Kind returns KindBuffer.
func (BufferRange) Kind() Kind { return KindBuffer }
func (BufferRange) isRange()   {}

func (r BufferRange) String() string {
	if r.Size == 0 {
		return fmt.Sprintf("[%d,end)", r.Offset)
	}
	return fmt.Sprintf("[%d,%d)", r.Offset, r.Offset+r.Size)
}

// SubresourceRange selects aspects, mip levels and array layers of an
// image. Zero counts mean "all remaining"; zero Aspects means every aspect
// the image has.
type SubresourceRange struct {
	Aspects    Aspect
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// Kind returns KindImage.
func (SubresourceRange) Kind() Kind { return KindImage }
func (SubresourceRange) isRange()   {}

func (r SubresourceRange) String() string {
	return fmt.Sprintf("%s mips[%d+%d] layers[%d+%d]", r.Aspects, r.BaseMip, r.MipCount, r.BaseLayer, r.LayerCount)
}

// Extent is the addressable size of a resource as reported by the
// allocator that created it.
type Extent struct {
	Kind Kind

	// Size is the byte size of a buffer.
	Size uint64

	// Mips, Layers and Aspects describe an image.
	Mips    uint32
	Layers  uint32
	Aspects Aspect

	// TexelSize is the byte size of one texel of an image, zero when the
	// format has no fixed texel size or is unknown.
	TexelSize uint32
}

// BufferExtent returns the extent of a buffer of size bytes.
func BufferExtent(size uint64) Extent {
	return Extent{Kind: KindBuffer, Size: size}
}

// ImageExtent returns the extent of an image. Zero mips or layers count as
// one; zero aspects count as color.
func ImageExtent(mips, layers uint32, aspects Aspect) Extent {
	if mips == 0 {
		mips = 1
	}
	if layers == 0 {
		layers = 1
	}
	if aspects == 0 {
		aspects = AspectColor
	}
	return Extent{Kind: KindImage, Mips: mips, Layers: layers, Aspects: aspects}
}

// Sharing controls whether a resource belongs to one queue at a time.
// Exclusive resources need an ownership transfer whenever the accessing
// queue changes; concurrent resources may be used by any listed queue
// without one.
type Sharing struct {
	concurrent bool
	queues     []QueueID
}

// Exclusive returns the default sharing mode.
func Exclusive() Sharing { return Sharing{} }

// Concurrent returns a sharing mode that lets the given queues use the
// resource without ownership transfers.
func Concurrent(queues ...QueueID) Sharing {
	return Sharing{concurrent: true, queues: slices.Clone(queues)}
}

// IsConcurrent reports whether the resource is shared concurrently.
func (s Sharing) IsConcurrent() bool { return s.concurrent }

// Allows reports whether q may access a resource with this sharing mode.
func (s Sharing) Allows(q QueueID) bool {
	return !s.concurrent || slices.Contains(s.queues, q)
}

// Queues returns the queues of a concurrent sharing mode.
func (s Sharing) Queues() []QueueID { return slices.Clone(s.queues) }

// Access describes one intended GPU access to a resource. It is built per
// declared operation and consumed by the hazard detector.
type Access struct {
	Resource ResourceID
	Range    Range
	Stages   Stage
	Access   Flags
	// Layout is the layout an image must be in for the access. Ignored for
	// buffers.
	Layout Layout

	// Queue is the queue performing the access. Recorders fill it in with
	// their own queue.
	Queue QueueID
}

// IsWrite reports whether the access writes memory.
func (a Access) IsWrite() bool { return a.Access.HasWrite() }

func (a Access) String() string {
	r := "all"
	if a.Range != nil {
		r = fmt.Sprint(a.Range)
	}
	return fmt.Sprintf("res=%d %s stages=%s access=%s layout=%s queue=%d",
		a.Resource, r, a.Stages, a.Access, a.Layout, a.Queue)
}
