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

// Package submit models the command submission service: allocate a command
// buffer, fill it with update ops, submit it ordered after a set of fences,
// and receive a completion fence.
//
// Execution is performed by a single goroutine per Ring, in submission
// order. Fence callbacks therefore run on that goroutine, which doubles as
// the completion-polling component: deferred work hung off completion
// fences never runs in arbitrary caller context.
package submit

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/gpuverr"
	"gpuvm.dev/gpuvm/pkg/pte"
)

// Kind discriminates ops.
type Kind uint8

const (
	// SetEntries writes Count consecutive translation entries.
	SetEntries Kind = iota

	// SparseOn enables sparse (PRT) handling device-wide.
	SparseOn

	// SparseOff disables sparse handling device-wide.
	SparseOff
)

// Op is one batched hardware update.
//
// For SetEntries, entry k of the run (0 <= k < Count) is written at device
// address Table + (Index+k)*8 with value Encode(Addr + k*Incr, Flags, Frag).
// Incr 0 writes the same target address into every entry, used for sparse
// and clearing runs.
type Op struct {
	Kind  Kind
	Table uint64
	Index uint32
	Count uint32
	Addr  uint64
	Incr  uint64
	Flags pte.Flags
	Frag  uint8
}

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op.Kind {
	case SetEntries:
		return fmt.Sprintf("set %#x[%d:+%d] = %#x +%#x flags %#x frag %d",
			op.Table, op.Index, op.Count, op.Addr, op.Incr, uint64(op.Flags), op.Frag)
	case SparseOn:
		return "sparse on"
	default:
		return "sparse off"
	}
}

// Executor applies ops to device state.
type Executor interface {
	Execute(Op)
}

// Buffer is a command buffer with a fixed op budget reserved from the ring.
type Buffer struct {
	ring     *Ring
	ops      []Op
	cap      int
	reserved int
	done     bool
}

// Push appends an op. It fails if the buffer's reservation is exhausted;
// callers size buffers with Ring.AllocBuffer.
func (b *Buffer) Push(op Op) error {
	if len(b.ops) >= b.cap {
		return fmt.Errorf("buffer budget %d exceeded: %w", b.cap, gpuverr.ErrRingFull)
	}
	b.ops = append(b.ops, op)
	return nil
}

// Len returns the number of pushed ops.
func (b *Buffer) Len() int { return len(b.ops) }

// Discard returns the buffer's unused reservation to the ring. Submit also
// releases the reservation; Discard is for abandoning a buffer.
func (b *Buffer) Discard() {
	if b.done {
		return
	}
	b.done = true
	b.ring.release(b.reserved)
}

type submission struct {
	ops      []Op
	reserved int
	waits    []*fence.Fence
	fence    *fence.Fence
}

// Ring is a bounded command ring fronting one Executor.
type Ring struct {
	exec Executor
	fctx *fence.Context
	log  *logrus.Entry

	mu    sync.Mutex
	space int

	queue chan submission
	done  chan struct{}
}

// NewRing starts a ring with the given total op capacity. The returned Ring
// owns its executor goroutine until Close.
func NewRing(capacity int, exec Executor, fctx *fence.Context, log *logrus.Entry) *Ring {
	r := &Ring{
		exec:  exec,
		fctx:  fctx,
		log:   log,
		space: capacity,
		queue: make(chan submission, capacity),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// AllocBuffer reserves space for up to ops ops. Exhausted ring space is a
// retryable gpuverr.ErrRingFull; the caller resubmits after in-flight work
// retires.
func (r *Ring) AllocBuffer(ops int) (*Buffer, error) {
	// Even an empty buffer reserves one unit: every queued submission then
	// holds ring space until it retires, so the number of submissions in
	// flight can never exceed the queue's buffer and Submit never blocks.
	reserved := ops
	if reserved < 1 {
		reserved = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if reserved > r.space {
		return nil, fmt.Errorf("%d ops wanted, %d free: %w", ops, r.space, gpuverr.ErrRingFull)
	}
	r.space -= reserved
	return &Buffer{ring: r, cap: ops, reserved: reserved}, nil
}

// Submit queues the buffer for execution after all waits have signaled and
// returns the completion fence. The buffer may not be reused.
func (r *Ring) Submit(b *Buffer, waits ...*fence.Fence) *fence.Fence {
	if b.done {
		panic("submit of a discarded or resubmitted buffer")
	}
	b.done = true
	f := r.fctx.NewFence()
	r.queue <- submission{ops: b.ops, reserved: b.reserved, waits: waits, fence: f}
	return f
}

// Idle submits an empty buffer and returns its fence, giving callers a
// point after everything currently queued. Like any submission it holds one
// unit of ring space until it retires; an exhausted ring is a retryable
// gpuverr.ErrRingFull.
func (r *Ring) Idle() (*fence.Fence, error) {
	b, err := r.AllocBuffer(0)
	if err != nil {
		return nil, err
	}
	return r.Submit(b), nil
}

// Close stops the executor once the queue drains.
func (r *Ring) Close() {
	close(r.queue)
	<-r.done
}

func (r *Ring) release(n int) {
	r.mu.Lock()
	r.space += n
	r.mu.Unlock()
}

func (r *Ring) run() {
	defer close(r.done)
	for s := range r.queue {
		for _, w := range s.waits {
			w.Wait(-1)
		}
		for _, op := range s.ops {
			r.exec.Execute(op)
		}
		if r.log != nil && len(s.ops) > 0 {
			r.log.WithFields(logrus.Fields{
				"ops":   len(s.ops),
				"fence": s.fence.String(),
			}).Debug("executed update batch")
		}
		r.release(s.reserved)
		s.fence.Signal()
	}
}
