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
	"sort"

	"gpuvm.dev/gpuvm/pkg/fence"
	"gpuvm.dev/gpuvm/pkg/memmap"
	"gpuvm.dev/gpuvm/pkg/pagetables"
	"gpuvm.dev/gpuvm/pkg/pgalloc"
	"gpuvm.dev/gpuvm/pkg/pte"
	"gpuvm.dev/gpuvm/pkg/submit"
)

// dirCommit defers a programmed-address cache update until the op batch is
// known to submit; a failed submission must leave the cache untouched so
// the retry regenerates the same directory writes.
type dirCommit struct {
	n    *pagetables.Node
	idx  int
	addr uint64
}

// pteRun is one homogeneous stretch of leaf-entry updates before table
// splitting and fragmentation.
type pteRun struct {
	first, last uint64
	dest        uint64 // device address backing page first; 0 if !linear
	linear      bool   // dest advances with the page index
	flags       pte.Flags
	clearing    bool
}

// FlushPending builds and submits the batched update for all queued work:
// tree growth, directory writes, and leaf writes for pending, invalidated
// and freed mappings. It returns the new structural-update fence, which
// supersedes the previous one.
//
// On a retryable failure (ring space, table memory) every queue is left
// unchanged; tree growth already performed is kept and reused by the
// retry. With no queued work the current fence is returned unchanged.
func (as *AddressSpace) FlushPending() (*fence.Fence, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	if len(as.pending) == 0 && len(as.invalidated) == 0 && len(as.freed) == 0 {
		if as.lastUpdate == nil {
			return fence.Signaled(), nil
		}
		return as.lastUpdate, nil
	}

	// Grow the tree under every range that will receive entries. Freed
	// ranges were covered when first mapped; the tree never shrinks.
	for _, m := range as.pending {
		if err := as.tree.EnsureRange(m.First, m.Last+1); err != nil {
			return nil, err
		}
	}

	dirOps, commits := as.buildDirectoryOps()
	ops := dirOps
	for _, run := range as.gatherRuns() {
		ops = as.appendRunOps(ops, run)
	}
	if len(ops) == 0 {
		// Nothing touches hardware (e.g. every queued mapping covers
		// zero populated tables); keep the current fence.
		if as.lastUpdate == nil {
			return fence.Signaled(), nil
		}
		return as.lastUpdate, nil
	}

	buf, err := as.ring.AllocBuffer(len(ops))
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if err := buf.Push(op); err != nil {
			buf.Discard()
			return nil, err
		}
	}
	waits := as.tree.TakeZeroFences()
	if as.lastUpdate != nil {
		waits = append(waits, as.lastUpdate)
	}
	f := as.ring.Submit(buf, waits...)

	// The batch is in flight: commit the caches and state transitions it
	// represents.
	for _, c := range commits {
		c.n.SetProgrammed(c.idx, c.addr)
	}
	for _, m := range as.pending {
		m.SetState(memmap.Mapped)
	}
	for _, m := range as.invalidated {
		m.SetState(memmap.Mapped)
	}
	for _, m := range as.freed {
		if m.Flags.Sparse() {
			// Sparse semantics must outlive any in-flight access.
			as.prt.ReleaseOnFence(f)
		}
	}
	as.pending = nil
	as.invalidated = nil
	as.freed = nil
	as.lastUpdate = f
	as.log.WithField("ops", len(ops)).WithField("fence", f.String()).Debug("flushed updates")
	return f, nil
}

// buildDirectoryOps walks the populated directories and emits writes for
// every entry whose child table address differs from the cached programmed
// address, coalescing runs of arithmetically consecutive addresses.
func (as *AddressSpace) buildDirectoryOps() ([]submit.Op, []dirCommit) {
	var ops []submit.Op
	var commits []dirCommit
	as.tree.VisitInterior(func(n *pagetables.Node, level int) {
		table := n.Backing().GPUAddr()
		i := 0
		for i <= n.LastUsed() {
			child := n.Entry(i)
			if child == nil || n.Programmed(i) == child.Backing().GPUAddr() {
				i++
				continue
			}
			// Start of a run of changed entries.
			start := i
			base := child.Backing().GPUAddr()
			stride := child.Backing().Pages() * pgalloc.PageSize
			count := uint32(1)
			commits = append(commits, dirCommit{n, i, base})
			for i++; i <= n.LastUsed() && count < as.ucfg.BatchLimit; i++ {
				next := n.Entry(i)
				if next == nil {
					break
				}
				addr := next.Backing().GPUAddr()
				if n.Programmed(i) == addr || addr != base+uint64(count)*stride {
					break
				}
				commits = append(commits, dirCommit{n, i, addr})
				count++
			}
			ops = append(ops, submit.Op{
				Kind:  submit.SetEntries,
				Table: table,
				Index: uint32(start),
				Count: count,
				Addr:  base,
				Incr:  stride,
				Flags: pte.Valid,
			})
		}
	})
	return ops, commits
}

// gatherRuns converts the work queues into maximally coalesced leaf-update
// runs. Clearing runs for freed ranges are ordered strictly before every
// write run: a range freed and remapped within the same flush window must be
// cleared first and rewritten second, or the clear would zero entries of the
// live mapping.
func (as *AddressSpace) gatherRuns() []pteRun {
	var clears, writes []pteRun
	for _, m := range as.freed {
		flags := pte.Flags(0)
		if m.Flags.Sparse() {
			// Cleared sparse ranges keep reading as the fixed
			// pattern rather than faulting.
			flags = pte.PRT
		}
		clears = append(clears, pteRun{first: m.First, last: m.Last, flags: flags, clearing: true})
	}
	for _, queue := range [][]*memmap.Mapping{as.invalidated, as.pending} {
		for _, m := range queue {
			r := pteRun{first: m.First, last: m.Last, flags: m.Flags}
			if m.Source != nil {
				r.dest = m.Source.GPUAddr() + m.Offset*pgalloc.PageSize
				r.linear = true
			}
			writes = append(writes, r)
		}
	}
	return append(mergeRuns(clears), mergeRuns(writes)...)
}

// mergeRuns sorts runs by first page and merges adjacent runs whose
// attribute flags match and whose destination addresses remain consecutive.
func mergeRuns(runs []pteRun) []pteRun {
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].first < runs[j].first })
	merged := runs[:0]
	for _, r := range runs {
		if n := len(merged); n > 0 {
			p := &merged[n-1]
			if p.last+1 == r.first && p.flags == r.flags && p.clearing == r.clearing &&
				p.linear == r.linear &&
				(!r.linear || r.dest == p.dest+(r.first-p.first)*pgalloc.PageSize) {
				p.last = r.last
				continue
			}
		}
		merged = append(merged, r)
	}
	return merged
}

// appendRunOps splits a run at leaf-table boundaries, applies the fragment
// refinement, and appends batch-limited SetEntries ops.
func (as *AddressSpace) appendRunOps(ops []submit.Op, run pteRun) []submit.Op {
	page := run.first
	for page <= run.last {
		leaf, idx, ok := as.tree.Leaf(page)
		if !ok {
			// Clearing a range whose tables were never built writes
			// nothing; skip to the next table span.
			page = as.nextTableSpan(page)
			continue
		}
		// Pages covered by this leaf table from page onwards.
		room := uint64(as.leafEntries() - idx)
		segLast := page + room - 1
		if segLast > run.last {
			segLast = run.last
		}
		dest := run.dest + (page-run.first)*pgalloc.PageSize
		if !run.linear {
			dest = run.dest
		}
		table := leaf.Backing().GPUAddr()
		if run.linear && !run.clearing && as.ucfg.MaxFragBits > 0 {
			ops = as.appendFragOps(ops, table, idx, page, segLast, dest, run.flags)
		} else {
			incr := uint64(0)
			if run.linear {
				incr = pgalloc.PageSize
			}
			ops = as.appendChunked(ops, table, idx, segLast-page+1, dest, incr, run.flags, 0)
		}
		page = segLast + 1
	}
	return ops
}

// appendFragOps emits up to three sub-runs: an unaligned head, an aligned
// power-of-two body carrying the fragment attribute, and an unaligned
// tail. The fragment is the largest exponent, capped by configuration, for
// which an aligned body exists in both the page range and the destination.
func (as *AddressSpace) appendFragOps(ops []submit.Op, table uint64, idx int, first, last, dest uint64, flags pte.Flags) []submit.Op {
	destPage := dest / pgalloc.PageSize
	frag := as.ucfg.MaxFragBits
	var bodyStart, bodyEnd uint64 // [bodyStart, bodyEnd) in pages
	for frag > 0 {
		span := uint64(1) << frag
		bodyStart = (first + span - 1) &^ (span - 1)
		bodyEnd = (last + 1) &^ (span - 1)
		// The destination must share the body's alignment for the
		// hardware to honor the larger granularity.
		if bodyStart < bodyEnd && (destPage+(bodyStart-first))&(span-1) == 0 {
			break
		}
		frag--
	}
	if frag == 0 {
		return as.appendChunked(ops, table, idx, last-first+1, dest, pgalloc.PageSize, flags, 0)
	}
	if first < bodyStart {
		n := bodyStart - first
		ops = as.appendChunked(ops, table, idx, n, dest, pgalloc.PageSize, flags, 0)
		idx += int(n)
		dest += n * pgalloc.PageSize
	}
	n := bodyEnd - bodyStart
	ops = as.appendChunked(ops, table, idx, n, dest, pgalloc.PageSize, flags, frag)
	idx += int(n)
	dest += n * pgalloc.PageSize
	if bodyEnd <= last {
		ops = as.appendChunked(ops, table, idx, last-bodyEnd+1, dest, pgalloc.PageSize, flags, 0)
	}
	return ops
}

// appendChunked appends SetEntries ops for count entries, honoring the
// batch limit.
func (as *AddressSpace) appendChunked(ops []submit.Op, table uint64, idx int, count uint64, dest, incr uint64, flags pte.Flags, frag uint8) []submit.Op {
	for count > 0 {
		n := count
		if limit := uint64(as.ucfg.BatchLimit); n > limit {
			n = limit
		}
		ops = append(ops, submit.Op{
			Kind:  submit.SetEntries,
			Table: table,
			Index: uint32(idx),
			Count: uint32(n),
			Addr:  dest,
			Incr:  incr,
			Flags: flags,
			Frag:  frag,
		})
		idx += int(n)
		if incr != 0 {
			dest += n * incr
		}
		count -= n
	}
	return ops
}

func (as *AddressSpace) leafEntries() int {
	cfg := as.tree.Config()
	return cfg.EntriesAt(cfg.Levels() - 1)
}

// nextTableSpan returns the first page of the leaf table span following the
// one containing page.
func (as *AddressSpace) nextTableSpan(page uint64) uint64 {
	span := uint64(as.leafEntries())
	return (page/span + 1) * span
}
