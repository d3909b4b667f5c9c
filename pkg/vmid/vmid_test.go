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

package vmid

import (
	"errors"
	"testing"

	"gpuvm.dev/gpuvm/pkg/fence"
)

func testManager(n int) *Manager {
	return NewManager(n, nil)
}

func TestAcquireFreshSlot(t *testing.T) {
	m := testManager(2)
	g, err := m.Acquire(Identity{ClientID: 1, PageTableAddr: 0x1000}, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !g.NeedFlush {
		t.Error("fresh binding does not require a flush")
	}
}

func TestReuseSkipsFlush(t *testing.T) {
	var cs fence.Contexts
	ctx := cs.NewContext()
	m := testManager(2)

	update := ctx.NewFence()
	id := Identity{ClientID: 1, PageTableAddr: 0x1000, LastUpdate: update}

	g, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !g.NeedFlush {
		t.Fatal("first binding must flush")
	}
	g.MarkFlushed(ctx.NewFence())

	// Same owner, same tables, no structural change: no flush.
	g2, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if g2.Slot != g.Slot {
		t.Errorf("reacquire moved slots: %d -> %d", g.Slot, g2.Slot)
	}
	if g2.NeedFlush {
		t.Error("unchanged reacquisition set NeedFlush")
	}

	// A structural change not covered by the last flush forces one.
	id.LastUpdate = ctx.NewFence()
	g3, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("reacquire after update: %v", err)
	}
	if !g3.NeedFlush {
		t.Error("reacquisition after a structural change skipped the flush")
	}
}

func TestReuseWithoutFlushRecordStillFlushes(t *testing.T) {
	m := testManager(1)
	id := Identity{ClientID: 1, PageTableAddr: 0x1000}
	if _, err := m.Acquire(id, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// The first grant was never marked flushed.
	g, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !g.NeedFlush {
		t.Error("reuse without a recorded flush skipped the flush")
	}
}

// TestIdleOnlyGranting verifies a foreign acquisition never receives a slot
// with unsignaled active work while an idle slot exists.
func TestIdleOnlyGranting(t *testing.T) {
	var cs fence.Contexts
	ctx := cs.NewContext()
	m := testManager(3)

	// Occupy slots for clients 1 and 2; client 1's work is still
	// running, client 2's has retired.
	busy := ctx.NewFence()
	idle := ctx.NewFence()
	idle.Signal()
	gBusy, err := m.Acquire(Identity{ClientID: 1, PageTableAddr: 0x1000}, busy)
	if err != nil {
		t.Fatalf("Acquire client 1: %v", err)
	}
	if _, err := m.Acquire(Identity{ClientID: 2, PageTableAddr: 0x2000}, idle); err != nil {
		t.Fatalf("Acquire client 2: %v", err)
	}

	// Clients 3 and 4 must land on the untouched slot and client 2's
	// retired slot, never client 1's busy one.
	g1, err := m.Acquire(Identity{ClientID: 3, PageTableAddr: 0x3000}, ctx.NewFence())
	if err != nil {
		t.Fatalf("Acquire client 3: %v", err)
	}
	g2, err := m.Acquire(Identity{ClientID: 4, PageTableAddr: 0x4000}, ctx.NewFence())
	if err != nil {
		t.Fatalf("Acquire client 4: %v", err)
	}
	for _, g := range []*Grant{g1, g2} {
		if g.Slot == gBusy.Slot {
			t.Errorf("slot %d with unsignaled work was rebound", g.Slot)
		}
	}
}

func TestBusyPool(t *testing.T) {
	var cs fence.Contexts
	ctx := cs.NewContext()
	m := testManager(2)

	w1, w2 := ctx.NewFence(), ctx.NewFence()
	if _, err := m.Acquire(Identity{ClientID: 1, PageTableAddr: 0x1000}, w1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(Identity{ClientID: 2, PageTableAddr: 0x2000}, w2); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	_, err := m.Acquire(Identity{ClientID: 3, PageTableAddr: 0x3000}, ctx.NewFence())
	var busy *BusyError
	if !errors.As(err, &busy) {
		t.Fatalf("Acquire on a busy pool: got %v, wanted *BusyError", err)
	}
	if busy.Wait.IsSignaled() {
		t.Fatal("busy wait fence signaled with running work")
	}

	// Once every blocking fence retires the wait fence signals and a
	// retry succeeds.
	w1.Signal()
	w2.Signal()
	if !busy.Wait.IsSignaled() {
		t.Fatal("busy wait fence unsignaled after work retired")
	}
	if _, err := m.Acquire(Identity{ClientID: 3, PageTableAddr: 0x3000}, nil); err != nil {
		t.Fatalf("retry after wait: %v", err)
	}
}

func TestLRUOrder(t *testing.T) {
	m := testManager(3)
	gA, err := m.Acquire(Identity{ClientID: 1, PageTableAddr: 0x1000}, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(Identity{ClientID: 2, PageTableAddr: 0x2000}, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(Identity{ClientID: 3, PageTableAddr: 0x3000}, nil); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// All idle; client 4 must evict the least recently granted binding,
	// which is client 1's.
	g, err := m.Acquire(Identity{ClientID: 4, PageTableAddr: 0x4000}, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if g.Slot != gA.Slot {
		t.Errorf("eviction took slot %d, wanted LRU slot %d", g.Slot, gA.Slot)
	}
}

func TestResetForcesFlush(t *testing.T) {
	var cs fence.Contexts
	ctx := cs.NewContext()
	m := testManager(2)

	id := Identity{ClientID: 1, PageTableAddr: 0x1000}
	g, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g.MarkFlushed(ctx.NewFence())
	if !g.Window(WindowState{Base: 0x100, Size: 0x10}) {
		t.Error("first window programming reported unchanged")
	}
	if g.Window(WindowState{Base: 0x100, Size: 0x10}) {
		t.Error("unchanged window reported changed")
	}

	m.Reset()

	g2, err := m.Acquire(id, nil)
	if err != nil {
		t.Fatalf("reacquire after reset: %v", err)
	}
	if !g2.NeedFlush {
		t.Error("reset did not force a flush on owner-match reuse")
	}
	if !g2.Window(WindowState{Base: 0x100, Size: 0x10}) {
		t.Error("reset did not invalidate cached window state")
	}
}
