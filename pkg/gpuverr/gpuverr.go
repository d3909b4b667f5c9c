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

// Package gpuverr holds the standardized error definitions for gpuvm.
package gpuverr

import "errors"

var (
	// ErrOutOfMemory indicates that a page table node or command buffer
	// allocation failed. The operation may be retried once memory
	// pressure is relieved; no committed state is corrupted.
	ErrOutOfMemory = errors.New("out of device memory")

	// ErrOverlap indicates an attempt to map a range that intersects an
	// existing live mapping. Nothing is mutated.
	ErrOverlap = errors.New("range overlaps an existing mapping")

	// ErrNotFound indicates that an unmap or clear referenced a mapping
	// that does not exist. Nothing is mutated.
	ErrNotFound = errors.New("no mapping at the given address")

	// ErrAddrOutOfRange indicates a range outside the configured virtual
	// address space. Rejected before any mutation.
	ErrAddrOutOfRange = errors.New("address out of range")

	// ErrRingFull indicates that command ring space could not be
	// acquired. The operation may be resubmitted after in-flight work
	// retires.
	ErrRingFull = errors.New("command ring full")

	// ErrClosed indicates use of a device after Close.
	ErrClosed = errors.New("device is closed")
)
