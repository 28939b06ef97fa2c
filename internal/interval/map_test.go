package interval

import (
	"reflect"
	"testing"
)

func spans[V comparable](m *Map[V]) []Span {
	var out []Span
	m.Each(func(e Entry[V]) bool {
		out = append(out, e.Span)
		return true
	})
	return out
}

func TestMapSetSplitsAndMerges(t *testing.T) {
	m := NewMap(Span{0, 128}, 0)

	m.Set(Span{32, 64}, 1)
	want := []Span{{0, 32}, {32, 64}, {64, 128}}
	if got := spans(m); !reflect.DeepEqual(got, want) {
		t.Fatalf("after split: spans = %v, want %v", got, want)
	}

	// Writing the surrounding value back must merge to a single entry.
	m.Set(Span{32, 64}, 0)
	if m.Len() != 1 {
		t.Fatalf("after merge: Len() = %d, want 1 (%v)", m.Len(), spans(m))
	}
}

func TestMapUpdatePartialOverlap(t *testing.T) {
	m := NewMap(Span{0, 100}, "a")
	m.Set(Span{50, 150}, "b")

	got := m.Entries()
	want := []Entry[string]{
		{Span{0, 50}, "a"},
		{Span{50, 150}, "b"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Entries() = %v, want %v", got, want)
	}
}

func TestMapUpdateGaps(t *testing.T) {
	m := &Map[int]{}
	m.Set(Span{10, 20}, 1)
	m.Set(Span{30, 40}, 1)

	var gaps []Span
	m.Update(Span{0, 50}, func(old int, present bool) (int, bool) {
		return old + 1, true
	})
	m.Each(func(e Entry[int]) bool {
		if e.Value == 1 {
			gaps = append(gaps, e.Span)
		}
		return true
	})
	wantGaps := []Span{{0, 10}, {20, 30}, {40, 50}}
	if !reflect.DeepEqual(gaps, wantGaps) {
		t.Errorf("gap pieces = %v, want %v", gaps, wantGaps)
	}
	if m.Len() != 5 {
		t.Errorf("Len() = %d, want 5", m.Len())
	}
}

func TestMapUpdateDrop(t *testing.T) {
	m := NewMap(Span{0, 10}, true)
	m.Update(Span{2, 4}, func(bool, bool) (bool, bool) { return false, false })

	want := []Span{{0, 2}, {4, 10}}
	if got := spans(m); !reflect.DeepEqual(got, want) {
		t.Errorf("spans = %v, want %v", got, want)
	}
	if got := m.Overlapping(Span{0, 10}); len(got) != 2 {
		t.Errorf("Overlapping() returned %d entries, want 2", len(got))
	}
}

func TestMapOverlappingClips(t *testing.T) {
	m := NewMap(Span{0, 64}, 7)
	m.Set(Span{64, 128}, 9)

	got := m.Overlapping(Span{60, 70})
	want := []Entry[int]{{Span{60, 64}, 7}, {Span{64, 70}, 9}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Overlapping() = %v, want %v", got, want)
	}
	if got := m.Overlapping(Span{200, 300}); len(got) != 0 {
		t.Errorf("Overlapping() outside map = %v, want none", got)
	}
}

func TestMapCloneIsIndependent(t *testing.T) {
	m := NewMap(Span{0, 8}, 1)
	c := m.Clone()
	m.Set(Span{0, 4}, 2)
	if c.Len() != 1 {
		t.Errorf("clone changed with original: %v", c.Entries())
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   []Span
		want []Span
	}{
		{"empty", nil, nil},
		{"drops empty", []Span{{5, 5}}, []Span{}},
		{"sorted disjoint", []Span{{0, 1}, {2, 3}}, []Span{{0, 1}, {2, 3}}},
		{"touching", []Span{{4, 8}, {0, 4}}, []Span{{0, 8}}},
		{"nested", []Span{{0, 10}, {2, 3}}, []Span{{0, 10}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Normalize() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpanPredicates(t *testing.T) {
	a := Span{0, 64}
	b := Span{64, 128}
	if a.Overlaps(b) {
		t.Error("touching spans must not overlap")
	}
	if !a.Overlaps(Span{63, 65}) {
		t.Error("expected overlap")
	}
	if !a.Contains(Span{8, 16}) {
		t.Error("expected containment")
	}
	if _, ok := a.Intersect(b); ok {
		t.Error("touching spans must not intersect")
	}
	if AnyOverlap([]Span{a}, []Span{b}) {
		t.Error("AnyOverlap() on disjoint lists = true")
	}
}
