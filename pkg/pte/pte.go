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

// Package pte defines the software encoding of page directory and page
// table entries. The encoding is stable but deliberately not any hardware
// generation's bit layout; the command executor and tests share it.
package pte

// Flags describe one translation entry.
type Flags uint64

const (
	// Valid marks a present entry.
	Valid Flags = 1 << 0

	// Readable permits reads through the entry.
	Readable Flags = 1 << 1

	// Writable permits writes through the entry.
	Writable Flags = 1 << 2

	// Executable permits instruction fetch through the entry.
	Executable Flags = 1 << 3

	// PRT marks a sparse entry: reads return a fixed pattern rather than
	// faulting while the range is unmapped.
	PRT Flags = 1 << 4
)

const (
	flagsMask = uint64(0x1f)

	fragShift = 5
	fragBits  = 5
	fragMask  = uint64(1<<fragBits-1) << fragShift

	// AddrMask covers the page-aligned address bits of an entry.
	AddrMask = ^uint64(1<<12 - 1)
)

// MaxFrag is the largest encodable fragment exponent.
const MaxFrag = uint8(1<<fragBits - 1)

// Valid returns whether the Valid bit is set.
func (f Flags) Valid() bool { return f&Valid != 0 }

// Sparse returns whether the PRT bit is set.
func (f Flags) Sparse() bool { return f&PRT != 0 }

// Encode packs a page-aligned address, flags and a fragment exponent into
// one entry value. frag is log2 of the fragment size in pages; 0 means the
// base page size.
func Encode(addr uint64, flags Flags, frag uint8) uint64 {
	return (addr & AddrMask) | (uint64(frag) << fragShift & fragMask) | (uint64(flags) & flagsMask)
}

// Decode unpacks an entry value.
func Decode(v uint64) (addr uint64, flags Flags, frag uint8) {
	return v & AddrMask, Flags(v & flagsMask), uint8((v & fragMask) >> fragShift)
}
