package barrier

import (
	"cmp"
	"slices"

	"github.com/gogpu/gpusync/access"
	"github.com/gogpu/gpusync/internal/hazard"
	"github.com/gogpu/gpusync/internal/interval"
	"github.com/gogpu/gpusync/internal/track"
)

type item struct {
	entry *track.Entry
	span  interval.Span
	h     hazard.Hazard
}

// Batch collects the hazards found while preparing one native command.
// Build folds them into a single Command.
type Batch struct {
	policy Policy
	items  []item
	reason string
}

// NewBatch returns an empty batch using policy p.
func NewBatch(p Policy) *Batch {
	return &Batch{policy: p}
}

// Add records that span of e needs h resolved. Hazards that need nothing
// are ignored.
func (b *Batch) Add(e *track.Entry, span interval.Span, h hazard.Hazard) {
	if h.IsNone() || span.Empty() {
		return
	}
	b.items = append(b.items, item{entry: e, span: span, h: h})
}

// Len returns the number of recorded hazard pieces.
func (b *Batch) Len() int { return len(b.items) }

// Reason explains why the last Build went coarse, or is empty.
func (b *Batch) Reason() string { return b.reason }

// Reset empties the batch for reuse.
func (b *Batch) Reset() {
	b.items = b.items[:0]
	b.reason = ""
}

// Build merges the recorded pieces into one Command. Touching pieces of
// the same resource with identical hazards become one barrier; duplicate
// pieces collapse. The batch is left empty.
func (b *Batch) Build() Command {
	defer func() { b.items = b.items[:0] }()
	b.reason = ""
	if len(b.items) == 0 {
		return Command{}
	}

	merged := mergeItems(b.items)
	coarse, reason := b.policy.Coarse(len(merged))
	if !coarse {
		for _, it := range merged {
			if it.h.Has(hazard.Reset) {
				coarse, reason = true, "indeterminate range state"
				break
			}
		}
	}
	if coarse {
		b.reason = reason
		merged = mergeItems(widen(merged))
	}

	var c Command
	c.Coarse = coarse
	for _, it := range merged {
		c.add(it.h)
		switch it.entry.Kind() {
		case access.KindBuffer:
			c.Buffers = append(c.Buffers, BufferBarrier{
				Resource: it.entry.ID(),
				Buffer:   it.entry.Buffer(),
				Offset:   it.span.Start,
				Size:     it.span.Len(),
				Hazard:   it.h,
			})
		case access.KindImage:
			for _, r := range it.entry.Subresources(it.span) {
				c.Images = append(c.Images, ImageBarrier{
					Resource: it.entry.ID(),
					Texture:  it.entry.Texture(),
					Range:    r,
					Hazard:   it.h,
				})
			}
		}
	}
	return c
}

// mergeItems sorts pieces by resource and offset and joins touching or
// overlapping pieces that carry the same hazard.
func mergeItems(items []item) []item {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b item) int {
		if c := cmp.Compare(a.entry.ID(), b.entry.ID()); c != 0 {
			return c
		}
		return cmp.Compare(a.span.Start, b.span.Start)
	})

	out := make([]item, 0, len(sorted))
	for _, it := range sorted {
		joined := false
		for i := len(out) - 1; i >= 0 && out[i].entry == it.entry; i-- {
			if out[i].h == it.h && it.span.Start <= out[i].span.End {
				out[i].span.End = max(out[i].span.End, it.span.End)
				joined = true
				break
			}
		}
		if !joined {
			out = append(out, it)
		}
	}
	return out
}

// widen turns range barriers into coarse ones: every stage and all memory
// on both sides, and whole buffers instead of byte ranges. Image ranges
// are kept because layouts are tracked per subresource.
func widen(items []item) []item {
	out := make([]item, len(items))
	for i, it := range items {
		it.h.SrcStages = access.StageAllCommands
		it.h.SrcAccess = access.MemoryWrite
		it.h.DstStages = access.StageAllCommands
		it.h.DstAccess = access.MemoryRead | access.MemoryWrite
		if it.entry.Kind() == access.KindBuffer {
			it.span = it.entry.Full()
			it.h.OldLayout, it.h.NewLayout = access.LayoutUndefined, access.LayoutUndefined
		}
		out[i] = it
	}
	// Pieces of the same buffer and queue pair share one barrier; their
	// hazard kinds and previous accesses are unioned.
	for i := range out {
		if out[i].entry.Kind() != access.KindBuffer {
			continue
		}
		for j := range out {
			if i != j && out[j].entry == out[i].entry &&
				out[j].h.SrcQueue == out[i].h.SrcQueue && out[j].h.DstQueue == out[i].h.DstQueue {
				out[i].h.Kind |= out[j].h.Kind
				out[i].h.Prev |= out[j].h.Prev
			}
		}
	}
	return out
}
