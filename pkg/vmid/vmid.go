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

// Package vmid manages the fixed pool of hardware address-space slots
// shared by every address space on one device.
//
// Slots cycle through owners in LRU order. Acquisition never blocks: when
// no slot is usable the caller receives a combined fence to wait on and
// retries. No fence is ever waited on under the manager's mutex.
package vmid

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/sync"
)

// Identity names an address space for slot-reuse decisions.
type Identity struct {
	// ClientID distinguishes address-space ownership globally.
	ClientID uint64

	// PageTableAddr is the device address of the address space's root
	// table.
	PageTableAddr uint64

	// LastUpdate is the address space's most recent structural-update
	// fence, nil if it has never been updated.
	LastUpdate *fence.Fence
}

// WindowState caches auxiliary per-slot hardware window registers. It is
// kept only to detect change; unchanged windows are not reprogrammed.
type WindowState struct {
	Base uint64
	Size uint64
}

// BusyError reports that no slot is currently usable. Wait signals once the
// oldest blocking work on some slot retires; the caller decides whether and
// how long to block before retrying.
type BusyError struct {
	Wait *fence.Fence
}

// Error implements error.Error.
func (e *BusyError) Error() string {
	return fmt.Sprintf("all vmids busy, retry after %s", e.Wait)
}

type slot struct {
	id int

	owned      bool
	owner      uint64
	ptAddr     uint64
	generation uint64

	// active holds fences of work still using this slot. Pruned of
	// signaled entries opportunistically.
	active []*fence.Fence

	// lastFlush is the fence of the most recent TLB invalidate issued
	// for this slot, nil if none.
	lastFlush *fence.Fence

	// flushedUpdate is the owner's structural-update fence that
	// lastFlush covered.
	flushedUpdate *fence.Fence

	window      WindowState
	windowValid bool
}

func (s *slot) pruneActive() {
	live := s.active[:0]
	for _, f := range s.active {
		if !f.IsSignaled() {
			live = append(live, f)
		}
	}
	s.active = live
}

func (s *slot) idle() bool {
	s.pruneActive()
	return len(s.active) == 0
}

// Grant is the result of a successful acquisition.
type Grant struct {
	mgr  *Manager
	slot *slot
	id   Identity

	// Slot is the granted hardware slot number.
	Slot int

	// NeedFlush reports whether the caller must issue a TLB invalidate
	// before work on this slot reads the address space.
	NeedFlush bool
}

// Manager is the device-wide VMID pool.
type Manager struct {
	log *logrus.Entry

	mu sync.Mutex
	// lru holds every slot, least recently granted first.
	lru        []*slot
	generation uint64
}

// NewManager returns a manager over n slots.
func NewManager(n int, log *logrus.Entry) *Manager {
	m := &Manager{log: log}
	for i := 0; i < n; i++ {
		m.lru = append(m.lru, &slot{id: i})
	}
	return m
}

// Acquire binds the identified address space to a slot. newWork, if
// non-nil, is added to the slot's active set so later acquirers can wait
// for it.
//
// Preference order: a slot already bound to the same (client, page table
// root) is reused, skipping the TLB flush when no structural update has
// happened since the slot's last flush; otherwise the least-recently-used
// idle slot is rebound with a flush required. If neither exists, a
// *BusyError carrying a combined wait fence is returned and the pool is
// unchanged.
func (m *Manager) Acquire(id Identity, newWork *fence.Fence) (*Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Same-owner reuse. Work already on the slot belongs to the same
	// address space, so idleness is not required.
	for _, s := range m.lru {
		if s.owned && s.owner == id.ClientID && s.ptAddr == id.PageTableAddr {
			needFlush := false
			if s.generation != m.generation {
				// Device reset since the binding: cached window
				// state is meaningless and a flush is mandatory.
				s.generation = m.generation
				s.windowValid = false
				s.lastFlush = nil
				s.flushedUpdate = nil
				needFlush = true
			} else if s.lastFlush == nil || s.flushedUpdate != id.LastUpdate {
				needFlush = true
			}
			return m.grant(s, id, newWork, needFlush), nil
		}
	}

	// Least-recently-used idle slot.
	for _, s := range m.lru {
		if !s.idle() {
			continue
		}
		s.owned = true
		s.owner = id.ClientID
		s.ptAddr = id.PageTableAddr
		s.generation = m.generation
		s.lastFlush = nil
		s.flushedUpdate = nil
		s.windowValid = false
		return m.grant(s, id, newWork, true), nil
	}

	// Nothing usable. Hand back a fence covering the oldest unsignaled
	// fence of each slot; waiting happens outside the lock, by the
	// caller, with a caller-supplied timeout policy.
	oldest := make([]*fence.Fence, 0, len(m.lru))
	for _, s := range m.lru {
		if len(s.active) > 0 {
			oldest = append(oldest, s.active[0])
		}
	}
	return nil, &BusyError{Wait: fence.Combine(oldest...)}
}

func (m *Manager) grant(s *slot, id Identity, newWork *fence.Fence, needFlush bool) *Grant {
	s.pruneActive()
	if newWork != nil {
		s.active = append(s.active, newWork)
	}
	m.moveToTail(s)
	if m.log != nil {
		m.log.WithFields(logrus.Fields{
			"vmid":   s.id,
			"client": id.ClientID,
			"flush":  needFlush,
		}).Debug("vmid granted")
	}
	return &Grant{mgr: m, slot: s, id: id, Slot: s.id, NeedFlush: needFlush}
}

func (m *Manager) moveToTail(s *slot) {
	for i, e := range m.lru {
		if e == s {
			copy(m.lru[i:], m.lru[i+1:])
			m.lru[len(m.lru)-1] = s
			return
		}
	}
}

// MarkFlushed records that the caller issued a TLB invalidate for the
// granted slot, covering the address-space state captured at acquisition.
func (g *Grant) MarkFlushed(flushFence *fence.Fence) {
	g.mgr.mu.Lock()
	defer g.mgr.mu.Unlock()
	g.slot.lastFlush = flushFence
	g.slot.flushedUpdate = g.id.LastUpdate
}

// Window compares w against the slot's cached window state, updating the
// cache. It returns whether the hardware window must be reprogrammed.
func (g *Grant) Window(w WindowState) bool {
	g.mgr.mu.Lock()
	defer g.mgr.mu.Unlock()
	if g.slot.windowValid && g.slot.window == w {
		return false
	}
	g.slot.window = w
	g.slot.windowValid = true
	return true
}

// Reset records a device reset. Every slot's cached window state is
// invalidated and every future acquisition forces a flush, regardless of
// owner match.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	for _, s := range m.lru {
		s.windowValid = false
	}
	if m.log != nil {
		m.log.WithField("generation", m.generation).Warn("device reset, vmid state invalidated")
	}
}

// Slots returns the pool size.
func (m *Manager) Slots() int { return len(m.lru) }
