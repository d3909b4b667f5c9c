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

// Package pagetables implements the per-address-space translation tree.
//
// The tree is grown lazily: EnsureRange allocates interior and leaf tables
// covering a page range on first touch. Growth is idempotent and partial
// growth left behind by a failed call is valid and reused on retry.
package pagetables

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
)

// entrySize is the size of one PDE/PTE in table memory.
const entrySize = 8

// Config describes the tree geometry.
type Config struct {
	// BlockBits is the number of page-index bits resolved per non-root
	// level; each such level has 1<<BlockBits entries.
	BlockBits uint

	// MaxPages is the total number of addressable pages.
	MaxPages uint64
}

// Levels returns the number of tree levels (root inclusive).
func (c Config) Levels() int {
	b := bits.Len64(c.MaxPages - 1)
	levels := (b + int(c.BlockBits) - 1) / int(c.BlockBits)
	if levels < 1 {
		levels = 1
	}
	return levels
}

// Shift returns the low page-index bit resolved below the given level.
// Level 0 is the root.
func (c Config) Shift(level int) uint {
	return uint(c.Levels()-1-level) * c.BlockBits
}

// EntriesAt returns the entry count of a table at the given level. The root
// is sized by the residual bits of the address space, all other levels by
// BlockBits.
func (c Config) EntriesAt(level int) int {
	if level == 0 {
		n := (c.MaxPages + (1 << c.Shift(0)) - 1) >> c.Shift(0)
		return int(n)
	}
	return 1 << c.BlockBits
}

// Node is one level of the translation tree: a directory if it has
// children, a leaf table otherwise.
type Node struct {
	backing *pgalloc.Allocation

	// entries are the children of a directory node, sized lazily on first
	// use of the level. Leaf nodes keep entries nil.
	entries []*Node

	// programmed caches, per child, the address last written into this
	// directory's table so redundant directory updates are skipped.
	programmed []uint64

	// lastUsed is the highest child index ever touched, -1 before any.
	lastUsed int
}

// Backing returns the node's table memory.
func (n *Node) Backing() *pgalloc.Allocation { return n.backing }

// IsLeaf returns whether the node is a leaf table.
func (n *Node) IsLeaf() bool { return n.entries == nil }

// LastUsed returns the highest child index ever touched, -1 before any.
func (n *Node) LastUsed() int { return n.lastUsed }

// Entry returns the child at index i, or nil.
func (n *Node) Entry(i int) *Node { return n.entries[i] }

// Programmed returns the cached address written into this directory for
// child i, zero if never written.
func (n *Node) Programmed(i int) uint64 { return n.programmed[i] }

// SetProgrammed records the address written into this directory for child i.
func (n *Node) SetProgrammed(i int, addr uint64) { n.programmed[i] = addr }

// Tree is one address space's translation tree.
type Tree struct {
	cfg   Config
	alloc pgalloc.Allocator
	root  *Node

	// refs counts the root plus every descendant node; the root stays
	// alive while any descendant exists.
	refs atomic.Int64

	// zeroFences accumulates zero-fill fences of freshly allocated
	// tables, consumed by the next update submission.
	zeroFences []*fence.Fence

	// nodes counts live nodes, for accounting and tests.
	nodes int
}

// New allocates a tree with its root table.
func New(cfg Config, alloc pgalloc.Allocator) (*Tree, error) {
	t := &Tree{cfg: cfg, alloc: alloc}
	root, err := t.newNode(0)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Config returns the tree geometry.
func (t *Tree) Config() Config { return t.cfg }

// Root returns the root node.
func (t *Tree) Root() *Node { return t.root }

// Nodes returns the number of live nodes, root inclusive.
func (t *Tree) Nodes() int { return t.nodes }

// TakeZeroFences returns and clears the accumulated zero-fill fences.
func (t *Tree) TakeZeroFences() []*fence.Fence {
	fs := t.zeroFences
	t.zeroFences = nil
	return fs
}

func (t *Tree) newNode(level int) (*Node, error) {
	tablePages := (uint64(t.cfg.EntriesAt(level))*entrySize + pgalloc.PageSize - 1) / pgalloc.PageSize
	backing, zf, err := t.alloc.Allocate(tablePages)
	if err != nil {
		return nil, err
	}
	if zf != nil {
		t.zeroFences = append(t.zeroFences, zf)
	}
	t.refs.Add(1)
	t.nodes++
	return &Node{backing: backing, lastUsed: -1}, nil
}

// EnsureRange grows the tree to cover pages [start, end). Any node already
// covering part of the range is reused; a failed call may leave a partially
// grown tree, which is benign and completed by retry.
func (t *Tree) EnsureRange(start, end uint64) error {
	if start >= end || end > t.cfg.MaxPages {
		return fmt.Errorf("pages [%#x,%#x) of %#x: %w", start, end, t.cfg.MaxPages, gpuverr.ErrAddrOutOfRange)
	}
	return t.ensureLevel(t.root, 0, start, end)
}

func (t *Tree) ensureLevel(n *Node, level int, start, end uint64) error {
	if level == t.cfg.Levels()-1 {
		// Leaf table; indices below this level are PTE slots.
		last := int(end-1) & (1<<t.cfg.BlockBits - 1)
		if level == 0 {
			last = int(end - 1)
		}
		if last > n.lastUsed {
			n.lastUsed = last
		}
		return nil
	}
	shift := t.cfg.Shift(level)
	if n.entries == nil {
		n.entries = make([]*Node, t.cfg.EntriesAt(level))
		n.programmed = make([]uint64, len(n.entries))
	}
	span := uint64(1) << shift
	mask := uint64(1<<t.cfg.BlockBits - 1)
	for g := start >> shift; g <= (end-1)>>shift; g++ {
		idx := g
		if level != 0 {
			idx = g & mask
		}
		child := n.entries[idx]
		if child == nil {
			var err error
			child, err = t.newNode(level + 1)
			if err != nil {
				return fmt.Errorf("level %d entry %d: %w", level+1, idx, err)
			}
			n.entries[idx] = child
		}
		if int(idx) > n.lastUsed {
			n.lastUsed = int(idx)
		}
		// Clip the range to this child's span.
		base := g << shift
		lo, hi := start, end
		if lo < base {
			lo = base
		}
		if hi > base+span {
			hi = base + span
		}
		if err := t.ensureLevel(child, level+1, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

// Leaf returns the leaf table covering the given page and the PTE index
// within it. ok is false if the covering tables have not been allocated.
func (t *Tree) Leaf(page uint64) (*Node, int, bool) {
	if page >= t.cfg.MaxPages {
		return nil, 0, false
	}
	n := t.root
	levels := t.cfg.Levels()
	for level := 0; level < levels-1; level++ {
		if n.entries == nil {
			return nil, 0, false
		}
		idx := page >> t.cfg.Shift(level)
		if level != 0 {
			idx &= 1<<t.cfg.BlockBits - 1
		}
		n = n.entries[idx]
		if n == nil {
			return nil, 0, false
		}
	}
	idx := int(page)
	if levels > 1 {
		idx = int(page & (1<<t.cfg.BlockBits - 1))
	}
	return n, idx, true
}

// VisitInterior calls fn for every directory node, parents before children,
// bounded by each node's lastUsed index.
func (t *Tree) VisitInterior(fn func(n *Node, level int)) {
	t.visit(t.root, 0, fn)
}

func (t *Tree) visit(n *Node, level int, fn func(*Node, int)) {
	if n.IsLeaf() {
		return
	}
	fn(n, level)
	for i := 0; i <= n.lastUsed; i++ {
		if c := n.entries[i]; c != nil {
			t.visit(c, level+1, fn)
		}
	}
}

// Release frees every table, children before parents.
func (t *Tree) Release() {
	if t.root == nil {
		return
	}
	t.releaseNode(t.root)
	t.root = nil
	if r := t.refs.Load(); r != 0 {
		panic(fmt.Sprintf("pagetables: %d node references leaked", r))
	}
}

func (t *Tree) releaseNode(n *Node) {
	for _, c := range n.entries {
		if c != nil {
			t.releaseNode(c)
		}
	}
	t.alloc.Free(n.backing)
	n.backing = nil
	t.refs.Add(-1)
	t.nodes--
}
