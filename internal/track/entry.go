package track

import (
	"fmt"
	"math/bits"
	"sync"

	wtrack "github.com/gogpu/wgpu/core/track"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/interval"
)

// Desc describes a resource being registered.
type Desc struct {
	Label   string
	Extent  access.Extent
	Sharing access.Sharing

	// Exactly one of Buffer and Texture is set, matching Extent.Kind.
	Buffer  hal.Buffer
	Texture hal.Texture

	// Owned resources are released through the allocator when destroyed.
	Owned bool
}

// Entry is the table record for one resource. The range maps are guarded
// by the entry lock; callers take it with Lock or LockAll.
type Entry struct {
	mu sync.Mutex

	id      access.ResourceID
	index   wtrack.TrackerIndex
	label   string
	extent  access.Extent
	sharing access.Sharing
	buffer  hal.Buffer
	texture hal.Texture
	owned   bool

	states    *interval.Map[State]
	host      *interval.Map[HostLock]
	gpu       *interval.Map[GPUUse]
	inflight  int
	destroyed bool
}

func newEntry(id access.ResourceID, index wtrack.TrackerIndex, d Desc) *Entry {
	e := &Entry{
		id:      id,
		index:   index,
		label:   d.Label,
		extent:  d.Extent,
		sharing: d.Sharing,
		buffer:  d.Buffer,
		texture: d.Texture,
		owned:   d.Owned,
		host:    &interval.Map[HostLock]{},
		gpu:     &interval.Map[GPUUse]{},
	}
	e.states = interval.NewMap(e.Full(), State{})
	return e
}

// ID returns the resource id.
func (e *Entry) ID() access.ResourceID { return e.id }

// Label returns the debug label given at registration.
func (e *Entry) Label() string { return e.label }

// Kind returns the resource kind.
func (e *Entry) Kind() access.Kind { return e.extent.Kind }

// Extent returns the resource extent.
func (e *Entry) Extent() access.Extent { return e.extent }

// Sharing returns the sharing mode.
func (e *Entry) Sharing() access.Sharing { return e.sharing }

// Buffer returns the native buffer, or nil for images.
func (e *Entry) Buffer() hal.Buffer { return e.buffer }

// Texture returns the native texture, or nil for buffers.
func (e *Entry) Texture() hal.Texture { return e.texture }

// Owned reports whether the resource was created through the allocator.
func (e *Entry) Owned() bool { return e.owned }

// Lock acquires the entry lock.
func (e *Entry) Lock() { e.mu.Lock() }

// Unlock releases the entry lock.
func (e *Entry) Unlock() { e.mu.Unlock() }

// Destroyed reports whether Destroy was called. Lock must be held.
func (e *Entry) Destroyed() bool { return e.destroyed }

// MarkDestroyed flags the entry as dead. Lock must be held.
func (e *Entry) MarkDestroyed() { e.destroyed = true }

// InFlight returns the number of in-flight submissions referencing the
// resource. Lock must be held.
func (e *Entry) InFlight() int { return e.inflight }

// States returns the state records overlapping span. Lock must be held.
func (e *Entry) States(span interval.Span) []interval.Entry[State] {
	return e.states.Overlapping(span)
}

// UpdateStates rewrites state records inside span. Lock must be held.
func (e *Entry) UpdateStates(span interval.Span, fn func(State) State) {
	e.states.Update(span, func(old State, _ bool) (State, bool) {
		return fn(old), true
	})
}

// RangeCount returns the number of distinct state records. Lock must be
// held.
func (e *Entry) RangeCount() int { return e.states.Len() }

// HostLocks returns the host locks overlapping span. Lock must be held.
func (e *Entry) HostLocks(span interval.Span) []interval.Entry[HostLock] {
	return e.host.Overlapping(span)
}

// UpdateHostLocks rewrites host locks inside span, dropping pieces that
// end up unlocked. Lock must be held.
func (e *Entry) UpdateHostLocks(span interval.Span, fn func(HostLock) HostLock) {
	e.host.Update(span, func(old HostLock, _ bool) (HostLock, bool) {
		n := fn(old)
		return n, n != HostLock{}
	})
}

// GPUUses returns the in-flight GPU uses overlapping span. Lock must be
// held.
func (e *Entry) GPUUses(span interval.Span) []interval.Entry[GPUUse] {
	return e.gpu.Overlapping(span)
}

// AddGPUUse records (delta > 0) or retires (delta < 0) one in-flight
// submission touching span. Lock must be held.
func (e *Entry) AddGPUUse(span interval.Span, write bool, delta int32) {
	e.gpu.Update(span, func(old GPUUse, _ bool) (GPUUse, bool) {
		if write {
			old.Writes += delta
		} else {
			old.Reads += delta
		}
		return old, old != GPUUse{}
	})
}

// AddInFlight adjusts the in-flight submission count. Lock must be held.
func (e *Entry) AddInFlight(delta int) { e.inflight += delta }

// Full returns the span covering the whole resource.
func (e *Entry) Full() interval.Span {
	switch e.extent.Kind {
	case access.KindImage:
		n := uint64(bits.OnesCount32(uint32(e.extent.Aspects))) *
			uint64(e.extent.Mips) * uint64(e.extent.Layers)
		return interval.Span{End: n}
	default:
		return interval.Span{End: e.extent.Size}
	}
}

// Spans linearizes r into normalized spans. A nil range covers the whole
// resource.
func (e *Entry) Spans(r access.Range) ([]interval.Span, error) {
	if r == nil {
		return []interval.Span{e.Full()}, nil
	}
	if r.Kind() != e.extent.Kind {
		return nil, fmt.Errorf("%s %d: %w", e.extent.Kind, e.id, ErrKindMismatch)
	}
	switch r := r.(type) {
	case access.BufferRange:
		return e.bufferSpans(r)
	case access.SubresourceRange:
		return e.imageSpans(r)
	}
	return nil, ErrKindMismatch
}

func (e *Entry) bufferSpans(r access.BufferRange) ([]interval.Span, error) {
	size := e.extent.Size
	if r.Offset >= size {
		return nil, fmt.Errorf("buffer %d: offset %d size %d: %w", e.id, r.Offset, size, ErrRangeOutOfBounds)
	}
	n := r.Size
	if n == 0 {
		n = size - r.Offset
	}
	if n > size-r.Offset {
		return nil, fmt.Errorf("buffer %d: range %s size %d: %w", e.id, r, size, ErrRangeOutOfBounds)
	}
	return []interval.Span{{Start: r.Offset, End: r.Offset + n}}, nil
}

// Resolve fills in the defaults of a subresource range and validates it
// against the image extent.
func (e *Entry) Resolve(r access.SubresourceRange) (access.SubresourceRange, error) {
	ext := e.extent
	if r.Aspects == 0 {
		r.Aspects = ext.Aspects
	}
	if r.Aspects&^ext.Aspects != 0 || r.BaseMip >= ext.Mips || r.BaseLayer >= ext.Layers {
		return r, fmt.Errorf("image %d: %s: %w", e.id, r, ErrRangeOutOfBounds)
	}
	if r.MipCount == 0 {
		r.MipCount = ext.Mips - r.BaseMip
	}
	if r.LayerCount == 0 {
		r.LayerCount = ext.Layers - r.BaseLayer
	}
	if r.MipCount > ext.Mips-r.BaseMip || r.LayerCount > ext.Layers-r.BaseLayer {
		return r, fmt.Errorf("image %d: %s: %w", e.id, r, ErrRangeOutOfBounds)
	}
	return r, nil
}

func (e *Entry) imageSpans(r access.SubresourceRange) ([]interval.Span, error) {
	r, err := e.Resolve(r)
	if err != nil {
		return nil, err
	}
	mips := uint64(e.extent.Mips)
	layers := uint64(e.extent.Layers)
	var out []interval.Span
	for _, a := range []access.Aspect{access.AspectColor, access.AspectDepth, access.AspectStencil} {
		if r.Aspects&a == 0 {
			continue
		}
		ai := uint64(e.aspectIndex(a))
		for m := uint64(r.BaseMip); m < uint64(r.BaseMip+r.MipCount); m++ {
			start := (ai*mips+m)*layers + uint64(r.BaseLayer)
			out = append(out, interval.Span{Start: start, End: start + uint64(r.LayerCount)})
		}
	}
	return interval.Normalize(out), nil
}

// aspectIndex returns the position of a among the image's aspects.
func (e *Entry) aspectIndex(a access.Aspect) int {
	return bits.OnesCount32(uint32(e.extent.Aspects & (a - 1)))
}

// aspectAt is the inverse of aspectIndex.
func (e *Entry) aspectAt(i int) access.Aspect {
	for _, a := range []access.Aspect{access.AspectColor, access.AspectDepth, access.AspectStencil} {
		if e.extent.Aspects&a == 0 {
			continue
		}
		if i == 0 {
			return a
		}
		i--
	}
	return 0
}

// Subresources decodes linearized image spans back into subresource
// ranges. Rows of consecutive mips with the same layer window are merged.
func (e *Entry) Subresources(spans ...interval.Span) []access.SubresourceRange {
	var out []access.SubresourceRange
	for _, s := range spans {
		out = e.appendSubresources(out, s)
	}
	return out
}

func (e *Entry) appendSubresources(out []access.SubresourceRange, s interval.Span) []access.SubresourceRange {
	mips := uint64(e.extent.Mips)
	layers := uint64(e.extent.Layers)
	for pos := s.Start; pos < s.End; {
		row := pos / layers
		end := min((row+1)*layers, s.End)
		r := access.SubresourceRange{
			Aspects:    e.aspectAt(int(row / mips)),
			BaseMip:    uint32(row % mips),
			MipCount:   1,
			BaseLayer:  uint32(pos % layers),
			LayerCount: uint32(end - pos),
		}
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Aspects == r.Aspects && last.BaseLayer == r.BaseLayer &&
				last.LayerCount == r.LayerCount && last.BaseMip+last.MipCount == r.BaseMip {
				last.MipCount++
				pos = end
				continue
			}
		}
		out = append(out, r)
		pos = end
	}
	return out
}
