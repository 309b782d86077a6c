// Package bitset provides small index sets backed by machine words.
package bitset

import "math/bits"

// Mask64 is a set of indices in [0, 64).
type Mask64 uint64

// Set adds i to the mask.
func (m *Mask64) Set(i int) {
	*m |= 1 << uint(i)
}

// Clear removes i from the mask.
func (m *Mask64) Clear(i int) {
	*m &^= 1 << uint(i)
}

// Test reports whether i is in the mask.
func (m Mask64) Test(i int) bool {
	return m&(1<<uint(i)) != 0
}

// Count returns the number of set bits.
func (m Mask64) Count() int {
	return bits.OnesCount64(uint64(m))
}

// Each calls fn for every set index in ascending order.
func (m Mask64) Each(fn func(i int)) {
	for w := uint64(m); w != 0; w &= w - 1 {
		fn(bits.TrailingZeros64(w))
	}
}

// Set is a fixed-capacity set of indices in [0, Len()).
// The zero value is an empty set of length 0.
type Set struct {
	words []uint64
	n     int
}

// New returns an empty set able to hold indices in [0, n).
func New(n int) Set {
	return Set{words: make([]uint64, (n+63)/64), n: n}
}

// Len returns the capacity of the set.
func (s *Set) Len() int {
	return s.n
}

// Resize empties the set and makes it hold indices in [0, n),
// reusing the existing storage when possible.
func (s *Set) Resize(n int) {
	w := (n + 63) / 64
	if cap(s.words) < w {
		s.words = make([]uint64, w)
	} else {
		s.words = s.words[:w]
		clear(s.words)
	}
	s.n = n
}

// Set adds i. Indices out of range are ignored.
func (s *Set) Set(i int) {
	if i < 0 || i >= s.n {
		return
	}
	s.words[i>>6] |= 1 << uint(i&63)
}

// Clear removes i.
func (s *Set) Clear(i int) {
	if i < 0 || i >= s.n {
		return
	}
	s.words[i>>6] &^= 1 << uint(i&63)
}

// Test reports whether i is in the set.
func (s *Set) Test(i int) bool {
	if i < 0 || i >= s.n {
		return false
	}
	return s.words[i>>6]&(1<<uint(i&63)) != 0
}

// Count returns the number of indices in the set.
func (s *Set) Count() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Each calls fn for every index in ascending order.
func (s *Set) Each(fn func(i int)) {
	for wi, w := range s.words {
		for ; w != 0; w &= w - 1 {
			fn(wi<<6 + bits.TrailingZeros64(w))
		}
	}
}

// Reset removes every index, keeping the capacity.
func (s *Set) Reset() {
	clear(s.words)
}
