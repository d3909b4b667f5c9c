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

// Package prt reference-counts partial-resident-texture (sparse) support.
//
// Sparse handling is a device-wide switch: it must stay enabled while any
// sparse mapping exists, and while any in-flight access to a torn-down
// sparse mapping can still land. Teardown therefore releases the reference
// only once the tearing update's fence signals.
package prt

import (
	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/sync"
)

// Backend toggles sparse handling in hardware.
type Backend interface {
	SetSparse(enable bool)
}

// Controller maintains the sparse reference count. The count saturates at
// zero; only the 0→1 and 1→0 crossings touch hardware.
type Controller struct {
	backend Backend
	log     *logrus.Entry

	mu    sync.Mutex
	count int
}

// NewController returns a controller over the given backend.
func NewController(backend Backend, log *logrus.Entry) *Controller {
	return &Controller{backend: backend, log: log}
}

// Acquire takes a sparse reference, enabling sparse handling on 0→1.
func (c *Controller) Acquire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if c.count == 1 {
		c.backend.SetSparse(true)
		if c.log != nil {
			c.log.Debug("sparse handling enabled")
		}
	}
}

// Release drops a sparse reference, disabling sparse handling on 1→0.
// Releasing at zero is a no-op.
func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return
	}
	c.count--
	if c.count == 0 {
		c.backend.SetSparse(false)
		if c.log != nil {
			c.log.Debug("sparse handling disabled")
		}
	}
}

// ReleaseOnFence defers Release until f signals, keeping sparse semantics
// intact for in-flight accesses to a torn-down sparse mapping. A nil f
// releases immediately.
func (c *Controller) ReleaseOnFence(f *fence.Fence) {
	if f == nil {
		c.Release()
		return
	}
	f.AddCallback(c.Release)
}

// Count returns the current reference count.
func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
