// Package interval implements half-open spans over uint64 and a range map
// that splits and merges spans as values are written to them.
package interval

import (
	"cmp"
	"fmt"
	"slices"
)

// Span is a half-open interval [Start, End).
type Span struct {
	Start uint64
	End   uint64
}

// Len returns the number of values covered by the span.
func (s Span) Len() uint64 {
	if s.End <= s.Start {
		return 0
	}
	return s.End - s.Start
}

// Empty reports whether the span covers nothing.
func (s Span) Empty() bool { return s.End <= s.Start }

// Overlaps reports whether s and o share at least one value.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Contains reports whether o lies entirely inside s.
func (s Span) Contains(o Span) bool {
	return s.Start <= o.Start && o.End <= s.End
}

// Intersect returns the overlap of s and o.
func (s Span) Intersect(o Span) (Span, bool) {
	r := Span{Start: max(s.Start, o.Start), End: min(s.End, o.End)}
	return r, !r.Empty()
}

func (s Span) String() string { return fmt.Sprintf("[%d,%d)", s.Start, s.End) }

// Normalize sorts spans and merges the ones that overlap or touch. Empty
// spans are dropped. The input slice is reordered in place.
func Normalize(spans []Span) []Span {
	spans = slices.DeleteFunc(spans, Span.Empty)
	if len(spans) < 2 {
		return spans
	}
	slices.SortFunc(spans, func(a, b Span) int { return cmp.Compare(a.Start, b.Start) })
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			last.End = max(last.End, s.End)
			continue
		}
		out = append(out, s)
	}
	return out
}

// AnyOverlap reports whether any span in a overlaps any span in b.
func AnyOverlap(a, b []Span) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}
