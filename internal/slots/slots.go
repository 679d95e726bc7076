// Package slots provides a bit set of variable slots.
package slots

import (
	"fmt"
	"math/bits"
	"slices"
)

// Set is a bit set of the variable slots [0, n). The zero value is an empty
// set that ignores additions.
type Set struct {
	words []uint64
	n     int
}

// New returns an empty set able to hold slots [0, n).
func New(n int) Set {
	return Set{words: make([]uint64, (n+63)/64), n: n}
}

// Cap returns n, the bound the set was created with.
func (s Set) Cap() int {
	return s.n
}

func (s Set) Has(i int) bool {
	return i >= 0 && i < s.n && s.words[i/64]&(1<<(i%64)) != 0
}

func (s Set) Add(i int) {
	if i >= 0 && i < s.n {
		s.words[i/64] |= 1 << (i % 64)
	}
}

func (s Set) Remove(i int) {
	if i >= 0 && i < s.n {
		s.words[i/64] &^= 1 << (i % 64)
	}
}

// Union adds every slot of t below s's bound to s.
func (s Set) Union(t Set) {
	for i := range s.words {
		if i < len(t.words) {
			s.words[i] |= t.words[i]
		}
	}
	if r := s.n % 64; r != 0 && len(s.words) > 0 {
		s.words[len(s.words)-1] &= 1<<r - 1
	}
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	return Set{words: slices.Clone(s.words), n: s.n}
}

// Equal reports whether s and t hold the same slots.
func (s Set) Equal(t Set) bool {
	return s.n == t.n && slices.Equal(s.words, t.words)
}

// Each calls f for every slot in ascending order.
func (s Set) Each(f func(int)) {
	for w, word := range s.words {
		for word != 0 {
			b := bits.TrailingZeros64(word)
			f(w*64 + b)
			word &^= 1 << b
		}
	}
}

// Len returns the number of slots in the set.
func (s Set) Len() int {
	n := 0
	for _, word := range s.words {
		n += bits.OnesCount64(word)
	}
	return n
}

func (s Set) String() string {
	var out []int
	s.Each(func(i int) { out = append(out, i) })
	return fmt.Sprint(out)
}
