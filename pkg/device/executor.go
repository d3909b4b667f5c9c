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
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"gpuvm.dev/gpuvm/pkg/pagetables"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/pte"
	"gpuvm.dev/gpuvm/pkg/submit"
)

const entrySize = 8

// executor applies update ops to aperture memory, standing in for the
// hardware's page table walker side. Entries are 8-byte little-endian
// values in the pte encoding, so tests can walk the real tables.
type executor struct {
	alloc  *pgalloc.HostAllocator
	sparse atomic.Bool
}

// Execute implements submit.Executor.
func (e *executor) Execute(op submit.Op) {
	switch op.Kind {
	case submit.SetEntries:
		data, ok := e.alloc.Slice(op.Table+uint64(op.Index)*entrySize, uint64(op.Count)*entrySize)
		if !ok {
			panic(fmt.Sprintf("update op outside aperture: %s", op))
		}
		addr := op.Addr
		for k := uint32(0); k < op.Count; k++ {
			binary.LittleEndian.PutUint64(data[k*entrySize:], pte.Encode(addr, op.Flags, op.Frag))
			addr += op.Incr
		}
	case submit.SparseOn:
		e.sparse.Store(true)
	case submit.SparseOff:
		e.sparse.Store(false)
	}
}

// SetSparse implements prt.Backend. The toggle is modeled as an immediate
// register write; ordering against in-flight updates comes from the fence
// gating in the PRT controller.
func (e *executor) SetSparse(enable bool) {
	e.sparse.Store(enable)
}

func pagetablesConfig(c Config) pagetables.Config {
	return pagetables.Config{BlockBits: c.BlockBits, MaxPages: c.MaxPages}
}

// Translate walks the in-memory tables of the address space rooted at
// rootAddr, exactly as the hardware would, and returns the leaf entry for
// the given page. ok is false when any level is non-present.
func (d *Device) Translate(rootAddr uint64, page uint64) (addr uint64, flags pte.Flags, frag uint8, ok bool) {
	cfg := pagetablesConfig(d.cfg)
	table := rootAddr
	levels := cfg.Levels()
	for level := 0; level < levels; level++ {
		idx := page >> cfg.Shift(level)
		if level != 0 {
			idx &= 1<<cfg.BlockBits - 1
		}
		data, sliceOK := d.alloc.Slice(table+idx*entrySize, entrySize)
		if !sliceOK {
			return 0, 0, 0, false
		}
		v := binary.LittleEndian.Uint64(data)
		a, f, fr := pte.Decode(v)
		if level == levels-1 {
			return a, f, fr, true
		}
		if !f.Valid() {
			return 0, 0, 0, false
		}
		table = a
	}
	return 0, 0, 0, false
}
