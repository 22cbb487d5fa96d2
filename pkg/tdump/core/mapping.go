// Copyright 2017 The Go Authors.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// A Mapping is a page aligned run of dumped storage.
type Mapping struct {
	min Address
	max Address

	// len(contents) == max-min. May alias the mapped dump file.
	contents []byte
}

// Min returns the first address of the mapping.
func (m *Mapping) Min() Address {
	return m.min
}

// Max returns the address just past the mapping.
func (m *Mapping) Max() Address {
	return m.max
}

func (m *Mapping) Size() int64 {
	return m.max.Sub(m.min)
}

func (m *Mapping) String() string {
	return fmt.Sprintf("Mapping{min:%s, max:%s}", m.min, m.max)
}

// slice returns the part of m in [min, max). The bounds must lie within m.
func (m *Mapping) slice(min, max Address) *Mapping {
	return &Mapping{min: min, max: max, contents: m.contents[min-m.min : max-m.min]}
}

// Page lookups go through a five level table. The 52 bits above the
// page offset split into a 12 bit top index and four 10 bit indexes.
const (
	pageShift = 12
	levelBits = 10
	levelSize = 1 << levelBits
	topShift  = pageShift + 4*levelBits
)

type (
	pageLeaf  [levelSize]*Mapping
	pageDir1  [levelSize]*pageLeaf
	pageDir2  [levelSize]*pageDir1
	pageDir3  [levelSize]*pageDir2
	pageTable [1 << (64 - topShift)]*pageDir3
)

// level returns the index of a in the table n levels above the leaves.
func level(a Address, n uint) Address {
	return a >> (pageShift + n*levelBits) % levelSize
}

func (p *pageTable) findMapping(a Address) *Mapping {
	if d3 := p[a>>topShift]; d3 != nil {
		if d2 := d3[level(a, 3)]; d2 != nil {
			if d1 := d2[level(a, 2)]; d1 != nil {
				if leaf := d1[level(a, 1)]; leaf != nil {
					return leaf[level(a, 0)]
				}
			}
		}
	}
	return nil
}

// addMapping points every page of m at m, allocating directories on demand.
func (p *pageTable) addMapping(m *Mapping) error {
	if m.min%PageSize != 0 || m.max%PageSize != 0 {
		return errors.Errorf("%s is not page aligned", m)
	}
	for a := m.min; a < m.max; a += PageSize {
		top := a >> topShift
		if p[top] == nil {
			p[top] = new(pageDir3)
		}
		d3 := p[top]
		if d3[level(a, 3)] == nil {
			d3[level(a, 3)] = new(pageDir2)
		}
		d2 := d3[level(a, 3)]
		if d2[level(a, 2)] == nil {
			d2[level(a, 2)] = new(pageDir1)
		}
		d1 := d2[level(a, 2)]
		if d1[level(a, 1)] == nil {
			d1[level(a, 1)] = new(pageLeaf)
		}
		d1[level(a, 1)][level(a, 0)] = m
	}
	return nil
}

// splicedMemory is the address ordered list of disjoint mappings.
type splicedMemory struct {
	mappings []*Mapping
}

// add inserts n, replacing whatever it overlaps. Existing mappings that
// stick out on either side of n are trimmed into new pieces. The returned
// mappings, n included, have to be entered into the page table again.
func (s *splicedMemory) add(n *Mapping) []*Mapping {
	if n.Size() <= 0 {
		return nil
	}
	created := []*Mapping{n}
	out := make([]*Mapping, 0, len(s.mappings)+2)
	placed := false
	place := func() {
		if !placed {
			out = append(out, n)
			placed = true
		}
	}
	for _, e := range s.mappings {
		if e.max <= n.min {
			out = append(out, e)
			continue
		}
		if e.min >= n.max {
			place()
			out = append(out, e)
			continue
		}
		if e.min < n.min {
			low := e.slice(e.min, n.min)
			out = append(out, low)
			created = append(created, low)
		}
		if e.max > n.max {
			place()
			high := e.slice(n.max, e.max)
			out = append(out, high)
			created = append(created, high)
		}
	}
	place()
	s.mappings = out
	return created
}

// rangeOf returns the bounds of the run of adjacent mappings containing a.
func (s *splicedMemory) rangeOf(a Address) (Address, Address, bool) {
	ms := s.mappings
	i := sort.Search(len(ms), func(i int) bool { return a < ms[i].max })
	if i == len(ms) || a < ms[i].min {
		return 0, 0, false
	}
	first, last := i, i
	for first > 0 && ms[first-1].max == ms[first].min {
		first--
	}
	for last < len(ms)-1 && ms[last].max == ms[last+1].min {
		last++
	}
	return ms[first].min, ms[last].max, true
}
