// Copyright 2026 The gpuvm Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memmap maintains the per-address-space mapping catalog: an
// interval-indexed set of page-range-to-resource mappings.
//
// The catalog's single invariant is disjointness: at every instant the live
// mappings have pairwise-disjoint page ranges. Every operation either
// preserves it or fails without mutation.
package memmap

import (
	"fmt"

	"github.com/google/btree"

	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/pte"
)

// State tracks a mapping through the incremental-update machinery.
type State uint8

const (
	// Pending: inserted but not yet written to the page tables.
	Pending State = iota

	// Mapped: written to the page tables by a retired or in-flight update.
	Mapped

	// Invalidated: previously mapped, backing store moved; the next
	// update pass rewrites it.
	Invalidated

	// Freed: removed from the catalog, awaiting its hardware clear.
	Freed
)

// Mapping is one address-range-to-resource mapping. First and Last are
// inclusive page indices.
type Mapping struct {
	First uint64
	Last  uint64

	// Source is the backing resource; nil for sparse-only (PRT) ranges.
	Source *pgalloc.Allocation

	// Offset is the page offset into Source at which the range begins.
	Offset uint64

	Flags pte.Flags

	state State
}

// Pages returns the number of pages covered.
func (m *Mapping) Pages() uint64 { return m.Last - m.First + 1 }

// State returns the mapping's update state.
func (m *Mapping) State() State { return m.state }

// SetState moves the mapping between update states.
func (m *Mapping) SetState(s State) { m.state = s }

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("[%#x,%#x]+%#x flags %#x", m.First, m.Last, m.Offset, uint64(m.Flags))
}

// Catalog is an interval-indexed mapping set.
type Catalog struct {
	tree *btree.BTreeG[*Mapping]
}

func mappingLess(a, b *Mapping) bool { return a.First < b.First }

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{tree: btree.NewG(16, mappingLess)}
}

// Len returns the number of live mappings.
func (c *Catalog) Len() int { return c.tree.Len() }

// Add inserts m. If m intersects any live mapping the catalog is unchanged
// and gpuverr.ErrOverlap is returned.
func (c *Catalog) Add(m *Mapping) error {
	if m.First > m.Last {
		return fmt.Errorf("range [%#x,%#x]: %w", m.First, m.Last, gpuverr.ErrAddrOutOfRange)
	}
	if hit := c.first(m.First, m.Last); hit != nil {
		return fmt.Errorf("[%#x,%#x] intersects %s: %w", m.First, m.Last, hit, gpuverr.ErrOverlap)
	}
	c.tree.ReplaceOrInsert(m)
	return nil
}

// Remove deletes and returns the mapping whose range begins exactly at
// start. gpuverr.ErrNotFound if there is none.
func (c *Catalog) Remove(start uint64) (*Mapping, error) {
	m, ok := c.tree.Get(&Mapping{First: start})
	if !ok || m.First != start {
		return nil, fmt.Errorf("start %#x: %w", start, gpuverr.ErrNotFound)
	}
	c.tree.Delete(m)
	return m, nil
}

// Find returns the mapping covering the given page, or nil.
func (c *Catalog) Find(page uint64) *Mapping {
	return c.first(page, page)
}

// first returns some mapping intersecting [first, last], preferring the
// lowest, or nil.
func (c *Catalog) first(first, last uint64) *Mapping {
	var hit *Mapping
	// The only candidate starting at or below first is the closest one:
	// ranges are disjoint.
	c.tree.DescendLessOrEqual(&Mapping{First: first}, func(m *Mapping) bool {
		if m.Last >= first {
			hit = m
		}
		return false
	})
	if hit != nil {
		return hit
	}
	c.tree.AscendGreaterOrEqual(&Mapping{First: first}, func(m *Mapping) bool {
		if m.First <= last {
			hit = m
		}
		return false
	})
	return hit
}

// Overlaps returns the mappings intersecting [first, last], in ascending
// order.
func (c *Catalog) Overlaps(first, last uint64) []*Mapping {
	var out []*Mapping
	if m := c.first(first, last); m != nil {
		c.tree.AscendGreaterOrEqual(m, func(n *Mapping) bool {
			if n.First > last {
				return false
			}
			out = append(out, n)
			return true
		})
	}
	return out
}

// ClearAndSplit removes coverage of [first, last]. Overlapping mappings are
// split: the parts outside the range are reinserted as new mappings with
// offsets adjusted to preserve the resource arithmetic and are returned in
// added; the intersecting remainders are returned in removed, ascending.
// This is the only operation producing up to two new mappings per
// overlapped entry. Disjointness holds at return.
func (c *Catalog) ClearAndSplit(first, last uint64) (removed, added []*Mapping) {
	for _, m := range c.Overlaps(first, last) {
		c.tree.Delete(m)
		if m.First < first {
			head := *m
			head.Last = first - 1
			c.tree.ReplaceOrInsert(&head)
			added = append(added, &head)
		}
		if m.Last > last {
			tail := *m
			tail.First = last + 1
			tail.Offset = m.Offset + (last + 1 - m.First)
			c.tree.ReplaceOrInsert(&tail)
			added = append(added, &tail)
		}
		mid := m
		if m.First < first {
			mid = &Mapping{
				First:  first,
				Last:   m.Last,
				Source: m.Source,
				Offset: m.Offset + (first - m.First),
				Flags:  m.Flags,
				state:  m.state,
			}
		}
		if mid.Last > last {
			mid.Last = last
		}
		removed = append(removed, mid)
	}
	return removed, added
}

// ForEach visits every live mapping in ascending order. fn returning false
// stops the walk.
func (c *Catalog) ForEach(fn func(*Mapping) bool) {
	c.tree.Ascend(fn)
}
