package interval

import "slices"

// Entry is one span of a Map and the value stored for it.
type Entry[V comparable] struct {
	Span  Span
	Value V
}

// Map stores a value per span. Entries are sorted, never overlap, and
// adjacent entries that touch and hold equal values are merged, so the
// number of entries follows the number of distinct writes rather than the
// number of calls.
//
// Map is not safe for concurrent use.
type Map[V comparable] struct {
	entries []Entry[V]
}

// NewMap returns a map holding v over span.
func NewMap[V comparable](span Span, v V) *Map[V] {
	m := &Map[V]{}
	if !span.Empty() {
		m.entries = []Entry[V]{{Span: span, Value: v}}
	}
	return m
}

// Len returns the number of entries.
func (m *Map[V]) Len() int { return len(m.entries) }

// Entries returns a copy of all entries in order.
func (m *Map[V]) Entries() []Entry[V] { return slices.Clone(m.entries) }

// Clone returns an independent copy of the map.
func (m *Map[V]) Clone() *Map[V] {
	return &Map[V]{entries: slices.Clone(m.entries)}
}

// search returns the index of the first entry that ends after start.
func (m *Map[V]) search(start uint64) int {
	i, _ := slices.BinarySearchFunc(m.entries, start, func(e Entry[V], t uint64) int {
		if e.Span.End <= t {
			return -1
		}
		return 1
	})
	return i
}

// Overlapping returns the entries that overlap span, clipped to span.
// Parts of span with no entry are skipped.
func (m *Map[V]) Overlapping(span Span) []Entry[V] {
	var out []Entry[V]
	for i := m.search(span.Start); i < len(m.entries); i++ {
		e := m.entries[i]
		if e.Span.Start >= span.End {
			break
		}
		if s, ok := e.Span.Intersect(span); ok {
			out = append(out, Entry[V]{Span: s, Value: e.Value})
		}
	}
	return out
}

// Each calls fn for every entry in order until fn returns false.
func (m *Map[V]) Each(fn func(Entry[V]) bool) {
	for _, e := range m.entries {
		if !fn(e) {
			return
		}
	}
}

// Set stores v over span.
func (m *Map[V]) Set(span Span, v V) {
	m.Update(span, func(V, bool) (V, bool) { return v, true })
}

// Update rewrites the values inside span. Existing entries are split at the
// span boundaries and fn is called once per piece with the old value and
// true; uncovered gaps get fn(zero, false). A piece is dropped when fn
// returns false. Adjacent pieces with equal values are merged afterwards.
func (m *Map[V]) Update(span Span, fn func(old V, present bool) (V, bool)) {
	if span.Empty() {
		return
	}
	i := m.search(span.Start)
	j := i
	for j < len(m.entries) && m.entries[j].Span.Start < span.End {
		j++
	}

	out := make([]Entry[V], 0, 2*(j-i)+2)
	emit := func(s Span, old V, present bool) {
		if v, keep := fn(old, present); keep {
			out = append(out, Entry[V]{Span: s, Value: v})
		}
	}

	var zero V
	cursor := span.Start
	for k := i; k < j; k++ {
		e := m.entries[k]
		if e.Span.Start < span.Start {
			out = append(out, Entry[V]{Span: Span{Start: e.Span.Start, End: span.Start}, Value: e.Value})
		} else if e.Span.Start > cursor {
			emit(Span{Start: cursor, End: e.Span.Start}, zero, false)
		}
		piece, _ := e.Span.Intersect(span)
		emit(piece, e.Value, true)
		if e.Span.End > span.End {
			out = append(out, Entry[V]{Span: Span{Start: span.End, End: e.Span.End}, Value: e.Value})
		}
		cursor = piece.End
	}
	if cursor < span.End {
		emit(Span{Start: cursor, End: span.End}, zero, false)
	}

	m.entries = slices.Replace(m.entries, i, j, out...)
	m.merge(i-1, i+len(out)+1)
}

// merge coalesces touching equal entries within [lo, hi).
func (m *Map[V]) merge(lo, hi int) {
	lo = max(lo, 0)
	hi = min(hi, len(m.entries))
	if hi-lo < 2 {
		return
	}
	w := lo
	for r := lo + 1; r < hi; r++ {
		cur := &m.entries[w]
		next := m.entries[r]
		if cur.Span.End == next.Span.Start && cur.Value == next.Value {
			cur.Span.End = next.Span.End
			continue
		}
		w++
		m.entries[w] = next
	}
	if w+1 < hi {
		m.entries = slices.Delete(m.entries, w+1, hi)
	}
}
