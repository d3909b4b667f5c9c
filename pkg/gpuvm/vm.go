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

// Package gpuvm implements per-process GPU address spaces: a mapping
// catalog over a lazily-grown translation tree, updated by batched
// hardware commands ordered behind completion fences.
package gpuvm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/memmap"
	"gpuvm.dev/gpuvm/pkg/pagetables"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/prt"
	"gpuvm.dev/gpuvm/pkg/pte"
	"gpuvm.dev/gpuvm/pkg/submit"
	"gpuvm.dev/gpuvm/pkg/sync"
	"gpuvm.dev/gpuvm/pkg/vmid"
)

// UpdateConfig tunes the update builder.
type UpdateConfig struct {
	// BatchLimit caps the entry count of a single hardware update op.
	BatchLimit uint32

	// MaxFragBits is the largest fragment exponent (log2 pages) the
	// builder will mark on contiguous runs. Zero disables fragments.
	MaxFragBits uint8
}

// AddressSpace is one isolated virtual-address context.
type AddressSpace struct {
	clientID uint64
	tree     *pagetables.Tree
	catalog  *memmap.Catalog
	ring     *submit.Ring
	prt      *prt.Controller
	ucfg     UpdateConfig
	log      *logrus.Entry

	// mu guards the catalog, the work queues and lastUpdate. It is
	// narrower than, and never held together with, the VMID manager's
	// lock. No fence is waited on under it.
	mu sync.Mutex

	// pending, invalidated and freed drive incremental updates. A
	// mapping is on at most one of them; freed mappings have already
	// left the catalog.
	pending     []*memmap.Mapping
	invalidated []*memmap.Mapping
	freed       []*memmap.Mapping

	// lastUpdate is the fence of the most recent structural update. All
	// future structural changes are ordered after it.
	lastUpdate *fence.Fence

	destroyed bool
}

// NewAddressSpace builds an address space over the given tree geometry.
// Most callers go through device.New rather than constructing one directly.
func NewAddressSpace(clientID uint64, cfg pagetables.Config, ucfg UpdateConfig, alloc pgalloc.Allocator, ring *submit.Ring, prtc *prt.Controller, log *logrus.Entry) (*AddressSpace, error) {
	tree, err := pagetables.New(cfg, alloc)
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &AddressSpace{
		clientID: clientID,
		tree:     tree,
		catalog:  memmap.NewCatalog(),
		ring:     ring,
		prt:      prtc,
		ucfg:     ucfg,
		log:      log.WithField("client", clientID),
	}, nil
}

// ClientID returns the globally unique owner identifier.
func (as *AddressSpace) ClientID() uint64 { return as.clientID }

// PageTableAddr returns the device address of the root table.
func (as *AddressSpace) PageTableAddr() uint64 {
	return as.tree.Root().Backing().GPUAddr()
}

// Identity returns the address space's identity for VMID acquisition,
// capturing the current structural-update fence.
func (as *AddressSpace) Identity() vmid.Identity {
	as.mu.Lock()
	defer as.mu.Unlock()
	return vmid.Identity{
		ClientID:      as.clientID,
		PageTableAddr: as.PageTableAddr(),
		LastUpdate:    as.lastUpdate,
	}
}

// LastUpdate returns the most recent structural-update fence, nil before
// the first flush.
func (as *AddressSpace) LastUpdate() *fence.Fence {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.lastUpdate
}

func (as *AddressSpace) checkRange(first, last uint64) error {
	if first > last || last >= as.tree.Config().MaxPages {
		return fmt.Errorf("pages [%#x,%#x] of %#x: %w",
			first, last, as.tree.Config().MaxPages, gpuverr.ErrAddrOutOfRange)
	}
	return nil
}

// Map inserts a mapping of pages [first, last] to src at the given page
// offset. src may be nil for sparse-only ranges. The translation becomes
// visible to hardware after the next FlushPending.
func (as *AddressSpace) Map(first, last uint64, src *pgalloc.Allocation, offset uint64, flags pte.Flags) error {
	if err := as.checkRange(first, last); err != nil {
		return err
	}
	m := &memmap.Mapping{First: first, Last: last, Source: src, Offset: offset, Flags: flags}
	as.mu.Lock()
	defer as.mu.Unlock()
	if err := as.catalog.Add(m); err != nil {
		return err
	}
	as.pending = append(as.pending, m)
	if flags.Sparse() {
		as.prt.Acquire()
	}
	return nil
}

// Unmap removes the mapping whose range begins at start. A mapping never
// applied to hardware is simply discarded; an applied one is queued for
// hardware clearing by the next FlushPending.
func (as *AddressSpace) Unmap(start uint64) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	m, err := as.catalog.Remove(start)
	if err != nil {
		return err
	}
	as.retire(m)
	return nil
}

// ClearRange removes all coverage of pages [first, last]. Mappings
// straddling the boundary are split; the surviving head and tail keep
// their resource offset arithmetic and update state.
func (as *AddressSpace) ClearRange(first, last uint64) error {
	if err := as.checkRange(first, last); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	// The split replaces the overlapped originals with fresh mapping
	// objects; unhook the originals from the queues first.
	for _, m := range as.catalog.Overlaps(first, last) {
		switch m.State() {
		case memmap.Pending:
			as.pending = dropMapping(as.pending, m)
		case memmap.Invalidated:
			as.invalidated = dropMapping(as.invalidated, m)
		}
	}
	removed, added := as.catalog.ClearAndSplit(first, last)
	for _, m := range added {
		// Split survivors are new catalog entries; a sparse survivor
		// holds its own reference.
		if m.Flags.Sparse() {
			as.prt.Acquire()
		}
		switch m.State() {
		case memmap.Pending:
			as.pending = append(as.pending, m)
		case memmap.Invalidated:
			as.invalidated = append(as.invalidated, m)
		}
	}
	for _, m := range removed {
		as.retire(m)
	}
	return nil
}

// retire routes a mapping that left the catalog. Preconditions: mu held.
func (as *AddressSpace) retire(m *memmap.Mapping) {
	switch m.State() {
	case memmap.Pending:
		as.pending = dropMapping(as.pending, m)
		// Hardware never saw it; a sparse reference can drop now.
		if m.Flags.Sparse() {
			as.prt.Release()
		}
	case memmap.Invalidated:
		as.invalidated = dropMapping(as.invalidated, m)
		fallthrough
	default:
		m.SetState(memmap.Freed)
		as.freed = append(as.freed, m)
	}
}

func dropMapping(s []*memmap.Mapping, m *memmap.Mapping) []*memmap.Mapping {
	for i, e := range s {
		if e == m {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// NotifyMoved records that a backing resource was relocated. Once
// moveFence signals, every mapping backed by old is retargeted at updated
// and rewritten by the next FlushPending. The callback runs on the
// executor goroutine.
func (as *AddressSpace) NotifyMoved(old, updated *pgalloc.Allocation, moveFence *fence.Fence) {
	relocate := func() {
		as.mu.Lock()
		defer as.mu.Unlock()
		as.catalog.ForEach(func(m *memmap.Mapping) bool {
			if m.Source != old {
				return true
			}
			m.Source = updated
			if m.State() == memmap.Mapped {
				m.SetState(memmap.Invalidated)
				as.invalidated = append(as.invalidated, m)
			}
			return true
		})
	}
	if moveFence == nil {
		relocate()
		return
	}
	moveFence.AddCallback(relocate)
}

// Find returns the live mapping covering page, or nil.
func (as *AddressSpace) Find(page uint64) *memmap.Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.catalog.Find(page)
}

// Mappings returns the live mappings in ascending order.
func (as *AddressSpace) Mappings() []*memmap.Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	var out []*memmap.Mapping
	as.catalog.ForEach(func(m *memmap.Mapping) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Destroy waits for the last structural update to retire, releases sparse
// references held by live mappings, and frees the translation tree
// depth-first.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	if as.destroyed {
		as.mu.Unlock()
		return
	}
	as.destroyed = true
	last := as.lastUpdate
	var sparse int
	as.catalog.ForEach(func(m *memmap.Mapping) bool {
		if m.Flags.Sparse() {
			sparse++
		}
		return true
	})
	for _, m := range as.freed {
		if m.Flags.Sparse() {
			sparse++
		}
	}
	as.mu.Unlock()

	if last != nil {
		last.Wait(-1)
	}
	for i := 0; i < sparse; i++ {
		as.prt.ReleaseOnFence(last)
	}
	as.tree.Release()
	as.log.Debug("address space destroyed")
}
