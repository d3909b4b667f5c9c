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

// Package device assembles a GPU virtual-memory device: backing allocator,
// command ring with a software executor, VMID pool and PRT controller. All
// previously process-global state (fence contexts, client numbering) lives
// on the Device and dies with it.
package device

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/gpuvm"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/prt"
	"gpuvm.dev/gpuvm/pkg/submit"
	"gpuvm.dev/gpuvm/pkg/vmid"
)

// Device is one GPU virtual-memory device instance.
type Device struct {
	cfg Config
	log *logrus.Entry

	fences fence.Contexts
	alloc  *pgalloc.HostAllocator
	exec   *executor
	ring   *submit.Ring
	vmids  *vmid.Manager
	prt    *prt.Controller

	clients atomic.Uint64
	closed  atomic.Bool
}

// New builds a device from the configuration. logger may be nil for the
// standard logger.
func New(cfg Config, logger *logrus.Logger) (*Device, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("subsystem", "gpuvm")

	alloc, err := pgalloc.NewHostAllocator(cfg.AperturePages, cfg.ApertureBase)
	if err != nil {
		return nil, fmt.Errorf("creating aperture: %w", err)
	}
	d := &Device{cfg: cfg, log: log, alloc: alloc}
	d.exec = &executor{alloc: alloc}
	d.ring = submit.NewRing(cfg.RingOps, d.exec, d.fences.NewContext(), log)
	d.vmids = vmid.NewManager(cfg.VMIDs, log)
	d.prt = prt.NewController(d.exec, log)
	return d, nil
}

// NewFenceContext returns a fence context for client work submission.
func (d *Device) NewFenceContext() *fence.Context {
	return d.fences.NewContext()
}

// Allocator exposes the device aperture allocator.
func (d *Device) Allocator() pgalloc.Allocator { return d.alloc }

// Ring exposes the command ring.
func (d *Device) Ring() *submit.Ring { return d.ring }

// PRT exposes the sparse-handling controller.
func (d *Device) PRT() *prt.Controller { return d.prt }

// VMIDs exposes the slot manager.
func (d *Device) VMIDs() *vmid.Manager { return d.vmids }

// SparseEnabled reports the executor's current sparse-handling state.
func (d *Device) SparseEnabled() bool { return d.exec.sparse.Load() }

// NewVM creates an address space with a fresh client identity.
func (d *Device) NewVM() (*gpuvm.AddressSpace, error) {
	if d.closed.Load() {
		return nil, gpuverr.ErrClosed
	}
	return gpuvm.NewAddressSpace(
		d.clients.Add(1),
		pagetablesConfig(d.cfg),
		gpuvm.UpdateConfig{BatchLimit: d.cfg.BatchLimit, MaxFragBits: d.cfg.MaxFragBits},
		d.alloc,
		d.ring,
		d.prt,
		d.log,
	)
}

// AcquireVMID binds the address space to a hardware slot, adding newWork to
// the slot's active set. On *vmid.BusyError the caller waits on the carried
// fence, under its own timeout policy, and retries.
func (d *Device) AcquireVMID(as *gpuvm.AddressSpace, newWork *fence.Fence) (*vmid.Grant, error) {
	return d.vmids.Acquire(as.Identity(), newWork)
}

// FlushTLB issues the TLB invalidate a grant demands and records it on the
// slot. It returns the invalidate's completion fence. An exhausted ring is
// a retryable gpuverr.ErrRingFull; nothing is recorded on the slot then.
func (d *Device) FlushTLB(g *vmid.Grant) (*fence.Fence, error) {
	f, err := d.ring.Idle()
	if err != nil {
		return nil, err
	}
	g.MarkFlushed(f)
	return f, nil
}

// Reset models a device reset: slot generations are invalidated and every
// subsequent acquisition forces a flush.
func (d *Device) Reset() {
	d.vmids.Reset()
}

// Close drains the ring and releases the aperture. Address spaces must be
// destroyed first.
func (d *Device) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.ring.Close()
	d.alloc.Destroy()
}
