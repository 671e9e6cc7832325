// Copyright 2023 The Strata Authors.
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

package memmgr

import (
	"github.com/google/btree"

	"github.com/strata-emu/strata/pkg/hostarch"
)

// ledgerDegree is the btree degree of the chunk ledger.
const ledgerDegree = 8

// ledger is the ordered set of non-overlapping chunk descriptors covering
// the entire guest address space.
//
// Invariants: chunks are sorted by address, non-overlapping, and gap-free
// over the address space; no two adjacent chunks are compatible (such pairs
// are always merged). Callers synchronize access.
type ledger struct {
	// as is the full guest address space spanned by the ledger.
	as hostarch.AddrRange

	tree *btree.BTreeG[ChunkDescriptor]
}

func newLedger(as hostarch.AddrRange, initial ...ChunkDescriptor) *ledger {
	l := &ledger{
		as: as,
		tree: btree.NewG(ledgerDegree, func(a, b ChunkDescriptor) bool {
			return a.Addr < b.Addr
		}),
	}
	for _, c := range initial {
		l.tree.ReplaceOrInsert(c)
	}
	return l
}

// get returns the chunk covering addr.
func (l *ledger) get(addr hostarch.Addr) (ChunkDescriptor, bool) {
	var (
		c  ChunkDescriptor
		ok bool
	)
	l.tree.DescendLessOrEqual(ChunkDescriptor{Addr: addr}, func(it ChunkDescriptor) bool {
		if addr < it.End() {
			c = it
			ok = true
		}
		return false
	})
	return c, ok
}

// insert merges the given chunk into the ledger, splitting or truncating
// existing chunks it overlaps and re-merging compatible neighbors. Every
// overlap shape is handled: the new range fully inside one chunk, spanning
// several, or partially overlapping at either edge.
func (l *ledger) insert(c ChunkDescriptor) error {
	if c.Size == 0 {
		return RangeError{Range: c.Range(), Reason: "empty chunk"}
	}
	r := c.Range()
	if r.End < r.Start {
		return RangeError{Range: r, Reason: "range wraps"}
	}
	if !l.as.IsSupersetOf(r) {
		return RangeError{Range: r, Reason: "outside the guest address space"}
	}

	// Find every chunk overlapping r. The ledger is gap-free, so the chunk
	// with the greatest start at or below r.Start covers r.Start.
	var overlapped []ChunkDescriptor
	start := r.Start
	l.tree.DescendLessOrEqual(ChunkDescriptor{Addr: r.Start}, func(it ChunkDescriptor) bool {
		start = it.Addr
		return false
	})
	l.tree.AscendGreaterOrEqual(ChunkDescriptor{Addr: start}, func(it ChunkDescriptor) bool {
		if it.Addr >= r.End {
			return false
		}
		overlapped = append(overlapped, it)
		return true
	})

	if len(overlapped) == 0 {
		// Unreachable while the ledger spans the address space.
		return RangeError{Range: r, Reason: "no covering chunk"}
	}

	first := overlapped[0]
	last := overlapped[len(overlapped)-1]
	for _, o := range overlapped {
		l.tree.Delete(o)
	}

	// Reinsert the cut-off head of the first chunk and tail of the last,
	// retaining their identities, with the new chunk in between.
	if first.Addr < r.Start {
		head := first
		head.Size = uint64(r.Start - first.Addr)
		l.tree.ReplaceOrInsert(head)
	}
	l.tree.ReplaceOrInsert(c)
	if end := last.End(); end > r.End {
		tail := last
		tail.Addr = r.End
		tail.Size = uint64(end - r.End)
		l.tree.ReplaceOrInsert(tail)
	}

	l.mergeAround(r)
	return nil
}

// mergeAround merges adjacent compatible chunks in the window around r.
// Only the inserted chunk and its immediate neighbors can have become
// mergeable, so the walk is bounded.
func (l *ledger) mergeAround(r hostarch.AddrRange) {
	// Step back to the chunk preceding the one covering r.Start.
	windowStart := r.Start
	steps := 0
	l.tree.DescendLessOrEqual(ChunkDescriptor{Addr: r.Start}, func(it ChunkDescriptor) bool {
		windowStart = it.Addr
		steps++
		return steps < 2
	})

	var window []ChunkDescriptor
	l.tree.AscendGreaterOrEqual(ChunkDescriptor{Addr: windowStart}, func(it ChunkDescriptor) bool {
		window = append(window, it)
		// Include one chunk beyond the inserted range, then stop.
		return it.Addr <= r.End
	})

	for i := 1; i < len(window); i++ {
		cur := window[i-1]
		next := window[i]
		if cur.IsCompatible(next) && cur.End() == next.Addr {
			l.tree.Delete(cur)
			l.tree.Delete(next)
			cur.Size += next.Size
			l.tree.ReplaceOrInsert(cur)
			window[i] = cur
		}
	}
}

// forEach visits every chunk in address order.
func (l *ledger) forEach(fn func(ChunkDescriptor) bool) {
	l.tree.Ascend(func(it ChunkDescriptor) bool {
		return fn(it)
	})
}

// snapshot returns a copy of every chunk in address order.
func (l *ledger) snapshot() []ChunkDescriptor {
	chunks := make([]ChunkDescriptor, 0, l.tree.Len())
	l.forEach(func(c ChunkDescriptor) bool {
		chunks = append(chunks, c)
		return true
	})
	return chunks
}

// count returns the number of chunks.
func (l *ledger) count() int {
	return l.tree.Len()
}
