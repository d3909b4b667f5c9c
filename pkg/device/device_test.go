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

package device

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/gpuvm"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/pte"
)

const rw = pte.Valid | pte.Readable | pte.Writable

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := DefaultConfig()
	cfg.AperturePages = 2048
	d, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func newTestVM(t *testing.T, d *Device) *gpuvm.AddressSpace {
	t.Helper()
	vm, err := d.NewVM()
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	t.Cleanup(vm.Destroy)
	return vm
}

func flush(t *testing.T, vm *gpuvm.AddressSpace) {
	t.Helper()
	f, err := vm.FlushPending()
	if err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if err := f.Wait(5 * time.Second); err != nil {
		t.Fatalf("flush wait: %v", err)
	}
}

func TestTranslateAfterFlush(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)
	src, _, err := d.Allocator().Allocate(8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := vm.Map(100, 107, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Nothing is visible to the table walker until the flush.
	if _, flags, _, ok := d.Translate(vm.PageTableAddr(), 100); ok && flags.Valid() {
		t.Fatal("mapping visible before flush")
	}
	flush(t, vm)

	for k := uint64(0); k < 8; k++ {
		addr, flags, _, ok := d.Translate(vm.PageTableAddr(), 100+k)
		if !ok {
			t.Fatalf("page %d: tables not present", 100+k)
		}
		if want := src.GPUAddr() + k*pgalloc.PageSize; addr != want || flags != rw {
			t.Fatalf("page %d -> %#x flags %#x, want %#x flags %#x", 100+k, addr, flags, want, rw)
		}
	}

	if err := vm.Unmap(100); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	flush(t, vm)
	if _, flags, _, ok := d.Translate(vm.PageTableAddr(), 103); !ok || flags.Valid() {
		t.Fatalf("cleared page still translates: ok=%t flags=%#x", ok, flags)
	}
}

func TestRemapAfterClearTranslates(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)
	srcA, _, err := d.Allocator().Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := vm.Map(0, 9, srcA, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	flush(t, vm)

	// Clear the live range and remap it within the same flush window; the
	// rewrite must land after the queued clear.
	if err := vm.ClearRange(0, 9); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	srcC, _, err := d.Allocator().Allocate(10)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := vm.Map(0, 9, srcC, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	flush(t, vm)

	for k := uint64(0); k < 10; k++ {
		addr, flags, _, ok := d.Translate(vm.PageTableAddr(), k)
		if !ok {
			t.Fatalf("page %d: tables not present", k)
		}
		if want := srcC.GPUAddr() + k*pgalloc.PageSize; addr != want || flags != rw {
			t.Fatalf("page %d -> %#x flags %#x, want %#x flags %#x", k, addr, flags, want, rw)
		}
	}
}

func TestTranslateFragment(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)
	// A 32-page mapping aligned in both spaces carries the fragment hint.
	if _, _, err := d.Allocator().Allocate(31); err != nil { // aligns src behind the root table
		t.Fatalf("Allocate: %v", err)
	}
	src, _, err := d.Allocator().Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if err := vm.Map(32, 63, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	flush(t, vm)
	_, _, frag, ok := d.Translate(vm.PageTableAddr(), 32)
	if !ok || frag != 5 {
		t.Fatalf("frag hint = %d (ok=%t), want 5", frag, ok)
	}
}

func TestVMIDReuseAvoidsFlush(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)
	src, _, err := d.Allocator().Allocate(4)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := vm.Map(0, 3, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	flush(t, vm)

	g, err := d.AcquireVMID(vm, nil)
	if err != nil {
		t.Fatalf("AcquireVMID: %v", err)
	}
	if !g.NeedFlush {
		t.Fatal("first grant does not demand a TLB flush")
	}
	ff, err := d.FlushTLB(g)
	if err != nil {
		t.Fatalf("FlushTLB: %v", err)
	}
	if err := ff.Wait(5 * time.Second); err != nil {
		t.Fatalf("FlushTLB wait: %v", err)
	}

	// Same identity, no structural change since the recorded flush.
	g, err = d.AcquireVMID(vm, nil)
	if err != nil {
		t.Fatalf("AcquireVMID: %v", err)
	}
	if g.NeedFlush {
		t.Fatal("unchanged address space still demands a flush")
	}

	// A structural update invalidates the recorded flush.
	if err := vm.Map(16, 19, src, 0, rw); err != nil {
		t.Fatalf("Map: %v", err)
	}
	flush(t, vm)
	g, err = d.AcquireVMID(vm, nil)
	if err != nil {
		t.Fatalf("AcquireVMID: %v", err)
	}
	if !g.NeedFlush {
		t.Fatal("stale TLB grant does not demand a flush")
	}
}

func TestResetForcesFlushes(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)

	g, err := d.AcquireVMID(vm, nil)
	if err != nil {
		t.Fatalf("AcquireVMID: %v", err)
	}
	ff, err := d.FlushTLB(g)
	if err != nil {
		t.Fatalf("FlushTLB: %v", err)
	}
	ff.Wait(5 * time.Second)
	d.Reset()
	g, err = d.AcquireVMID(vm, nil)
	if err != nil {
		t.Fatalf("AcquireVMID after reset: %v", err)
	}
	if !g.NeedFlush {
		t.Fatal("post-reset grant does not demand a flush")
	}
}

func TestSparseLifecycle(t *testing.T) {
	d := newTestDevice(t)
	vm := newTestVM(t, d)

	if d.SparseEnabled() {
		t.Fatal("sparse enabled on a fresh device")
	}
	if err := vm.Map(0, 15, nil, 0, pte.Valid|pte.PRT); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if !d.SparseEnabled() {
		t.Fatal("sparse not enabled by a sparse mapping")
	}
	flush(t, vm)
	addr, flags, _, ok := d.Translate(vm.PageTableAddr(), 5)
	if !ok || !flags.Sparse() || addr != 0 {
		t.Fatalf("sparse entry = %#x flags %#x (ok=%t)", addr, flags, ok)
	}

	if err := vm.Unmap(0); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	flush(t, vm)
	if d.SparseEnabled() {
		t.Fatal("sparse still enabled after the clearing update retired")
	}
	// The cleared range keeps the PRT pattern.
	if _, flags, _, ok := d.Translate(vm.PageTableAddr(), 5); !ok || !flags.Sparse() || flags.Valid() {
		t.Fatalf("cleared sparse entry flags %#x (ok=%t), want bare PRT", flags, ok)
	}
}

func TestClosedDevice(t *testing.T) {
	d := newTestDevice(t)
	d.Close()
	if _, err := d.NewVM(); !errors.Is(err, gpuverr.ErrClosed) {
		t.Fatalf("NewVM on closed device: err = %v, want ErrClosed", err)
	}
}
