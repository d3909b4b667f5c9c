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

package gpuvm

import (
	"errors"
	"io"
	"testing"
	"time"

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
)

// recordExec records submitted ops without applying them.
type recordExec struct {
	mu  sync.Mutex
	got []submit.Op
}

func (e *recordExec) Execute(op submit.Op) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, op)
}

func (e *recordExec) ops() []submit.Op {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]submit.Op(nil), e.got...)
}

func (e *recordExec) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = nil
}

type sparseToggle struct {
	mu      sync.Mutex
	enabled bool
}

func (b *sparseToggle) SetSparse(enable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = enable
}

type testEnv struct {
	cs    fence.Contexts
	alloc *pgalloc.HostAllocator
	exec  *recordExec
	ring  *submit.Ring
	prtb  *sparseToggle
	prt   *prt.Controller
}

func newEnv(t *testing.T, ringOps int) *testEnv {
	t.Helper()
	alloc, err := pgalloc.NewHostAllocator(4096, 1<<30)
	if err != nil {
		t.Fatalf("NewHostAllocator: %v", err)
	}
	env := &testEnv{alloc: alloc, exec: &recordExec{}, prtb: &sparseToggle{}}
	env.ring = submit.NewRing(ringOps, env.exec, env.cs.NewContext(), nil)
	env.prt = prt.NewController(env.prtb, nil)
	t.Cleanup(func() {
		env.ring.Close()
		alloc.Destroy()
	})
	return env
}

func (e *testEnv) newVM(t *testing.T, ucfg UpdateConfig) *AddressSpace {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := pagetables.Config{BlockBits: 9, MaxPages: 1 << 18}
	as, err := NewAddressSpace(1, cfg, ucfg, e.alloc, e.ring, e.prt, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	return as
}

func (e *testEnv) allocate(t *testing.T, pages uint64) *pgalloc.Allocation {
	t.Helper()
	a, _, err := e.alloc.Allocate(pages)
	if err != nil {
		t.Fatalf("Allocate(%d): %v", pages, err)
	}
	return a
}

func TestMapValidation(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})
	src := env.allocate(t, 8)

	if err := as.Map(1<<18, 1<<18, src, 0, rw); !errors.Is(err, gpuverr.ErrAddrOutOfRange) {
		t.Fatalf("Map past the address space: err = %v, want ErrAddrOutOfRange", err)
	}
	if err := as.Map(8, 7, src, 0, rw); !errors.Is(err, gpuverr.ErrAddrOutOfRange) {
		t.Fatalf("Map with inverted range: err = %v, want ErrAddrOutOfRange", err)
	}
	if err := as.Map(0, 7, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Map(4, 11, src, 0, rw); !errors.Is(err, gpuverr.ErrOverlap) {
		t.Fatalf("overlapping Map: err = %v, want ErrOverlap", err)
	}
	if err := as.Unmap(4); !errors.Is(err, gpuverr.ErrNotFound) {
		t.Fatalf("Unmap of a non-start page: err = %v, want ErrNotFound", err)
	}
}

func TestUnmapPendingDiscards(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})

	// Never flushed: hardware never saw it, so the unmap emits nothing and
	// the sparse reference drops immediately.
	if err := as.Map(0, 7, nil, 0, pte.Valid|pte.PRT); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.Unmap(0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got := env.prt.Count(); got != 0 {
		t.Fatalf("sparse refcount after discarding a pending mapping = %d, want 0", got)
	}
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if !f.IsSignaled() {
		t.Fatal("flush of discarded work returned an unsignaled fence")
	}
	if got := env.exec.ops(); len(got) != 0 {
		t.Fatalf("flush of discarded work executed %d ops", len(got))
	}
}

func TestClearRangeSplits(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})
	src := env.allocate(t, 128)

	if err := as.Map(0, 99, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	env.exec.reset()

	if err := as.ClearRange(50, 150); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	ms := as.Mappings()
	if len(ms) != 1 || ms[0].First != 0 || ms[0].Last != 49 || ms[0].Offset != 0 {
		t.Fatalf("mappings after clear = %v, want surviving head [0,49]", ms)
	}
	if got := ms[0].State(); got != memmap.Mapped {
		t.Fatalf("surviving head state = %d, want Mapped", got)
	}

	f, err = as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	ops := env.exec.ops()
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want one clearing run: %v", len(ops), ops)
	}
	op := ops[0]
	if op.Index != 50 || op.Count != 50 || op.Addr != 0 || op.Flags != 0 {
		t.Fatalf("clearing op %v, want zeroing entries [50:+50]", op)
	}
}

func TestClearRangeMiddleSplit(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})
	src := env.allocate(t, 128)

	if err := as.Map(0, 99, src, 10, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.ClearRange(40, 59); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	ms := as.Mappings()
	if len(ms) != 2 {
		t.Fatalf("got %d mappings, want head and tail: %v", len(ms), ms)
	}
	head, tail := ms[0], ms[1]
	if head.First != 0 || head.Last != 39 || head.Offset != 10 {
		t.Fatalf("head = %v, want [0,39] at the original offset", head)
	}
	if tail.First != 60 || tail.Last != 99 || tail.Offset != 70 {
		t.Fatalf("tail = %v, want [60,99] offset-advanced by 60", tail)
	}
	// Both survivors were never flushed, so they stay pending and the
	// cleared middle vanishes without hardware work.
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	for _, op := range env.exec.ops() {
		if op.Table == as.PageTableAddr() {
			continue
		}
		if op.Index >= 40 && op.Index < 60 {
			t.Fatalf("flush wrote into the cleared middle: %v", op)
		}
	}
}

func TestNotifyMovedRewrites(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})
	srcA := env.allocate(t, 8)
	srcB := env.allocate(t, 8)

	if err := as.Map(0, 7, srcA, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	env.exec.reset()

	move := env.cs.NewContext().NewFence()
	as.NotifyMoved(srcA, srcB, move)
	if m := as.Find(0); m.Source != srcA || m.State() != memmap.Mapped {
		t.Fatal("relocation applied before the move fence signaled")
	}
	move.Signal()
	if m := as.Find(0); m.Source != srcB || m.State() != memmap.Invalidated {
		t.Fatalf("mapping after move = %v state %d, want srcB invalidated", m, m.State())
	}

	f, err = as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	ops := env.exec.ops()
	if len(ops) != 1 {
		t.Fatalf("got %d ops, want one rewrite run: %v", len(ops), ops)
	}
	if ops[0].Addr != srcB.GPUAddr() || ops[0].Count != 8 {
		t.Fatalf("rewrite op %v, want 8 entries from %#x", ops[0], srcB.GPUAddr())
	}
	if got := as.Find(0).State(); got != memmap.Mapped {
		t.Fatalf("state after rewrite flush = %d, want Mapped", got)
	}
}

func TestDestroyReleasesSparse(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})

	if err := as.Map(0, 3, nil, 0, pte.Valid|pte.PRT); err != nil {
		t.Fatalf("Map: %v", err)
	}
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	f.Wait(time.Second)
	if got := env.prt.Count(); got != 1 {
		t.Fatalf("sparse refcount before destroy = %d, want 1", got)
	}
	as.Destroy()
	as.Destroy() // idempotent
	if got := env.prt.Count(); got != 0 {
		t.Fatalf("sparse refcount after destroy = %d, want 0", got)
	}
}

func TestIdentityTracksLastUpdate(t *testing.T) {
	env := newEnv(t, 64)
	as := env.newVM(t, UpdateConfig{BatchLimit: 512})
	src := env.allocate(t, 8)

	id := as.Identity()
	if id.ClientID != as.ClientID() || id.PageTableAddr != as.PageTableAddr() || id.LastUpdate != nil {
		t.Fatalf("fresh identity = %+v", id)
	}
	if err := as.Map(0, 7, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	f, err := as.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if got := as.Identity().LastUpdate; got != f {
		t.Fatalf("identity fence = %v, want the flush fence %v", got, f)
	}
}
