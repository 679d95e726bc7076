package slots

import (
	"slices"
	"testing"
)

func members(s Set) []int {
	var out []int
	s.Each(func(i int) { out = append(out, i) })
	return out
}

func TestSet(t *testing.T) {
	s := New(130)
	for _, i := range []int{0, 5, 64, 129, 130, 191, -1} {
		s.Add(i)
	}
	if got, want := members(s), []int{0, 5, 64, 129}; !slices.Equal(got, want) {
		t.Fatalf("Each = %v, want %v", got, want)
	}
	if s.Len() != 4 {
		t.Errorf("Len = %d, want 4", s.Len())
	}
	if s.Has(130) || s.Has(-1) {
		t.Error("Has accepted a slot outside the bound")
	}
	s.Remove(64)
	s.Remove(500)
	if s.Has(64) || !s.Has(129) {
		t.Errorf("Remove(64) left %v", s)
	}

	u := New(130)
	u.Add(7)
	u.Union(s)
	if !u.Has(7) || !u.Has(129) || u.Len() != 4 {
		t.Errorf("Union = %v", u)
	}

	var zero Set
	zero.Add(3)
	if zero.Has(3) || zero.Len() != 0 {
		t.Error("zero set accepted a slot")
	}
}

func TestUnionRespectsBound(t *testing.T) {
	wide := New(70)
	wide.Add(3)
	wide.Add(69)
	narrow := New(66)
	narrow.Union(wide)
	if got := members(narrow); !slices.Equal(got, []int{3}) {
		t.Errorf("Union = %v, want [3]", got)
	}
}

func TestCloneAndEqual(t *testing.T) {
	s := New(10)
	s.Add(2)
	c := s.Clone()
	if !c.Equal(s) {
		t.Fatalf("Clone = %v, want %v", c, s)
	}
	c.Add(9)
	if c.Equal(s) || s.Has(9) {
		t.Errorf("Clone shares storage: s = %v, c = %v", s, c)
	}
	if New(10).Equal(New(11)) {
		t.Error("sets with different bounds are equal")
	}
}
