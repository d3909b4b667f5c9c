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

// Package fence provides completion fences for asynchronous device work.
//
// A Fence represents a point of completion of hardware work. It is created
// unsignaled from a Context, signaled exactly once by whoever retires the
// work, and observed by any number of waiters. Callbacks registered with
// AddCallback run on the signaler's goroutine; they are expected to do
// minimal work, typically handing off to a task queue.
package fence

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by Wait when the timeout expires before the fence
// signals.
var ErrTimeout = errors.New("fence wait timed out")

// Contexts hands out fence contexts. There is one Contexts per device; fence
// context numbering is device state, not process-global state. Context ids
// start at 1; context 0 is reserved for derived fences.
type Contexts struct {
	next atomic.Uint64
}

// derivedSeq numbers fences not issued by any Context, such as combined
// fences, on the reserved context 0.
var derivedSeq atomic.Uint64

// NewContext returns a fresh fence context.
func (cs *Contexts) NewContext() *Context {
	return &Context{id: cs.next.Add(1)}
}

// Context is an ordered stream of fences. Fences from one context signal in
// seqno order.
type Context struct {
	id  uint64
	seq atomic.Uint64
}

// NewFence returns a new unsignaled fence on this context.
func (ctx *Context) NewFence() *Fence {
	return &Fence{
		context: ctx.id,
		seqno:   ctx.seq.Add(1),
		done:    make(chan struct{}),
	}
}

// Fence is a one-shot completion handle.
type Fence struct {
	context uint64
	seqno   uint64

	mu        sync.Mutex
	signaled  bool
	callbacks []func()
	done      chan struct{}
}

// Signaled returns a fence that is already signaled.
func Signaled() *Fence {
	f := &Fence{done: make(chan struct{}), signaled: true}
	close(f.done)
	return f
}

// Signal marks the fence signaled and runs registered callbacks, in
// registration order, on the calling goroutine. Waiters are released only
// after the callbacks complete. Signaling twice is a no-op.
func (f *Fence) Signal() {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		return
	}
	f.signaled = true
	cbs := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
	close(f.done)
}

// IsSignaled returns whether the fence has signaled.
func (f *Fence) IsSignaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Wait blocks until the fence signals or the timeout expires. A negative
// timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) error {
	if timeout < 0 {
		<-f.done
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-time.After(timeout):
		return ErrTimeout
	}
}

// Done returns a channel closed when the fence signals.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// AddCallback registers fn to run when the fence signals. If the fence has
// already signaled, fn runs immediately on the calling goroutine.
func (f *Fence) AddCallback(fn func()) {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		fn()
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

// String implements fmt.Stringer.
func (f *Fence) String() string {
	return fmt.Sprintf("fence %d:%d", f.context, f.seqno)
}

// Combine returns a fence that signals once every input fence has signaled.
// Nil and already-signaled inputs are dropped; if nothing remains the result
// is already signaled. A single remaining input is returned as is.
func Combine(fences ...*Fence) *Fence {
	live := make([]*Fence, 0, len(fences))
	for _, f := range fences {
		if f != nil && !f.IsSignaled() {
			live = append(live, f)
		}
	}
	switch len(live) {
	case 0:
		return Signaled()
	case 1:
		return live[0]
	}
	combined := &Fence{seqno: derivedSeq.Add(1), done: make(chan struct{})}
	var remaining atomic.Int64
	remaining.Store(int64(len(live)))
	for _, f := range live {
		f.AddCallback(func() {
			if remaining.Add(-1) == 0 {
				combined.Signal()
			}
		})
	}
	return combined
}
