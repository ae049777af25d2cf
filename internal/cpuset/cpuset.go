// Package cpuset implements reference counted CPU sets, used as LWP
// affinity masks.
//
// A Set is built, then published by attaching it to an LWP. Once published
// it is treated as immutable; sharing is by reference via Use and Unuse.
package cpuset

import (
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"
)

// Set is a bitmap of CPU indexes with a reference count.
type Set struct {
	words []uint64
	refs  atomic.Int32
}

// New returns an empty Set with capacity for ncpu CPUs and one reference.
func New(ncpu int) *Set {
	if ncpu < 0 {
		ncpu = 0
	}
	s := &Set{words: make([]uint64, (ncpu+63)/64)}
	s.refs.Store(1)
	return s
}

// Of returns a Set containing exactly the given CPU indexes.
func Of(ncpu int, cpus ...int) *Set {
	s := New(ncpu)
	for _, c := range cpus {
		s.Add(c)
	}
	return s
}

// Add includes cpu in the set. Out of range indexes are ignored.
func (s *Set) Add(cpu int) {
	if cpu < 0 || cpu >= len(s.words)*64 {
		return
	}
	s.words[cpu/64] |= 1 << (uint(cpu) % 64)
}

// Remove excludes cpu from the set.
func (s *Set) Remove(cpu int) {
	if cpu < 0 || cpu >= len(s.words)*64 {
		return
	}
	s.words[cpu/64] &^= 1 << (uint(cpu) % 64)
}

// Has reports whether cpu is in the set. A nil Set contains every CPU.
func (s *Set) Has(cpu int) bool {
	if s == nil {
		return true
	}
	if cpu < 0 || cpu >= len(s.words)*64 {
		return false
	}
	return s.words[cpu/64]&(1<<(uint(cpu)%64)) != 0
}

// First returns the lowest index in the set, or -1 if it is empty.
func (s *Set) First() int {
	for i, w := range s.words {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// Members returns the indexes in the set, in increasing order.
func (s *Set) Members() []int {
	var out []int
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << b
		}
	}
	return out
}

// Count returns the number of CPUs in the set.
func (s *Set) Count() (n int) {
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return
}

// Use adds a reference.
func (s *Set) Use() {
	if s.refs.Add(1) <= 1 {
		panic(`cpuset: use of released set`)
	}
}

// Unuse drops a reference, reporting whether it was the last one.
func (s *Set) Unuse() bool {
	n := s.refs.Add(-1)
	if n < 0 {
		panic(`cpuset: reference count underflow`)
	}
	return n == 0
}

// Refs returns the current reference count.
func (s *Set) Refs() int {
	return int(s.refs.Load())
}

// String formats the set as a comma separated list of indexes.
func (s *Set) String() string {
	if s == nil {
		return `all`
	}
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i, w := range s.words {
		for w != 0 {
			bit := bits.TrailingZeros64(w)
			w &^= 1 << uint(bit)
			if !first {
				b.WriteByte(',')
			}
			first = false
			b.WriteString(strconv.Itoa(i*64 + bit))
		}
	}
	b.WriteByte('}')
	return b.String()
}
