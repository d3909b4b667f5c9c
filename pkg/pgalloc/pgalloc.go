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

// Package pgalloc provides page-granular allocation of GPU-visible memory.
//
// The allocator models a device aperture: every allocation has a stable GPU
// address within the aperture and a host view used by the command executor.
// Backing-store placement policy is out of scope; an allocation is just
// pages plus a fence for their zero-fill.
package pgalloc

import (
	"fmt"
	"sync"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
)

// PageSize is the device page size.
const PageSize = 4096

// Allocator provides fixed-size GPU-addressable pages.
//
// Allocate returns a run of contiguous pages and a fence representing
// completion of their zero-fill; consumers must order device reads of the
// memory after that fence.
type Allocator interface {
	Allocate(pages uint64) (*Allocation, *fence.Fence, error)
	Free(*Allocation)
}

// Allocation is a run of contiguous device pages.
type Allocation struct {
	gpuAddr uint64
	data    []byte
	pages   uint64
}

// GPUAddr returns the device address of the allocation.
func (a *Allocation) GPUAddr() uint64 { return a.gpuAddr }

// Bytes returns the host view of the allocation.
func (a *Allocation) Bytes() []byte { return a.data }

// Pages returns the allocation size in pages.
func (a *Allocation) Pages() uint64 { return a.pages }

// String implements fmt.Stringer.
func (a *Allocation) String() string {
	return fmt.Sprintf("[%#x,%#x)", a.gpuAddr, a.gpuAddr+a.pages*PageSize)
}

// freeRun is one run of free pages, in page units relative to the arena.
type freeRun struct {
	start, pages uint64
}

// HostAllocator is an Allocator over one host-mapped arena. Suitable both
// for tests and for driving the software command executor; the arena
// occupies a single anonymous mapping so GPU addresses translate to host
// offsets with plain arithmetic.
type HostAllocator struct {
	base  uint64
	arena []byte

	mu   sync.Mutex
	free []freeRun // sorted by start, pairwise non-adjacent
}

// NewHostAllocator returns an allocator over a fresh arena of the given
// number of pages, with GPU addresses starting at base. base must be
// page-aligned.
func NewHostAllocator(pages uint64, base uint64) (*HostAllocator, error) {
	if base%PageSize != 0 {
		return nil, fmt.Errorf("aperture base %#x is not page-aligned", base)
	}
	arena, err := mapArena(pages * PageSize)
	if err != nil {
		return nil, fmt.Errorf("mapping %d-page arena: %w", pages, err)
	}
	return &HostAllocator{
		base:  base,
		arena: arena,
		free:  []freeRun{{0, pages}},
	}, nil
}

// Destroy releases the arena. No allocations may be used afterwards.
func (h *HostAllocator) Destroy() {
	unmapArena(h.arena)
	h.arena = nil
}

// Allocate implements Allocator.Allocate. The zero fence is signaled before
// return; the arena zero-fills synchronously.
func (h *HostAllocator) Allocate(pages uint64) (*Allocation, *fence.Fence, error) {
	if pages == 0 {
		return nil, nil, fmt.Errorf("zero-page allocation: %w", gpuverr.ErrAddrOutOfRange)
	}
	h.mu.Lock()
	for i, r := range h.free {
		if r.pages < pages {
			continue
		}
		h.free[i].start += pages
		h.free[i].pages -= pages
		if h.free[i].pages == 0 {
			h.free = append(h.free[:i], h.free[i+1:]...)
		}
		h.mu.Unlock()
		data := h.arena[r.start*PageSize : (r.start+pages)*PageSize]
		clear(data)
		return &Allocation{
			gpuAddr: h.base + r.start*PageSize,
			data:    data,
			pages:   pages,
		}, fence.Signaled(), nil
	}
	h.mu.Unlock()
	return nil, nil, fmt.Errorf("%d pages: %w", pages, gpuverr.ErrOutOfMemory)
}

// Free implements Allocator.Free.
func (h *HostAllocator) Free(a *Allocation) {
	if a == nil {
		return
	}
	start := (a.gpuAddr - h.base) / PageSize
	h.mu.Lock()
	defer h.mu.Unlock()
	// Insert keeping the list sorted, coalescing with neighbors.
	i := 0
	for i < len(h.free) && h.free[i].start < start {
		i++
	}
	h.free = append(h.free, freeRun{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = freeRun{start, a.pages}
	if i+1 < len(h.free) && h.free[i].start+h.free[i].pages == h.free[i+1].start {
		h.free[i].pages += h.free[i+1].pages
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	if i > 0 && h.free[i-1].start+h.free[i-1].pages == h.free[i].start {
		h.free[i-1].pages += h.free[i].pages
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// FreePages returns the number of free pages, for tests and accounting.
func (h *HostAllocator) FreePages() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	for _, r := range h.free {
		n += r.pages
	}
	return n
}

// HostOffset translates a GPU address to an offset into the arena, for the
// command executor. ok is false if addr is outside the aperture.
func (h *HostAllocator) HostOffset(addr uint64) (uint64, bool) {
	if addr < h.base || addr-h.base >= uint64(len(h.arena)) {
		return 0, false
	}
	return addr - h.base, true
}

// Slice returns length bytes of the arena at the given GPU address.
func (h *HostAllocator) Slice(addr, length uint64) ([]byte, bool) {
	off, ok := h.HostOffset(addr)
	if !ok || off+length > uint64(len(h.arena)) {
		return nil, false
	}
	return h.arena[off : off+length], true
}
