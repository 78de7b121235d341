// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package recycle implements the page-recycling heuristic each physical
// allocator owns: a pool of fully-released-but-reserved pseudo-heaps and
// a garbage list that takes the retired heaps the pool turns away, both
// capped by small page-count constants so allocate/deallocate
// oscillation does not turn into a syscall storm. Trimmed tails of live
// heaps are not retained here; a heap's trim releases them directly.
//
// The Go runtime keeps its analogous caches (mcentral's nonempty/empty
// mspan lists, mheap's scavenge list) as doubly-linked lists threaded
// through the mspan headers (runtime/mcentral.go, runtime/mheap.go).
// Go's garbage collector makes that intrusive trick pointless here, so
// both lists are ordinary slice-backed stacks/queues over
// *pseudoheap.Heap.
package recycle

import "github.com/mhfit/multiheap/physical/pseudoheap"

// entry pairs a retained heap with its page count, so callers don't need
// to recompute it from Cap()/pseudoheap.PageSize on every push/pop.
type entry struct {
	heap  *pseudoheap.Heap
	pages int
}

// Pool holds fully-freed heaps whose virtual range is kept reserved and
// whose pages have been released (decommitted). A push beyond the page
// threshold is refused and the heap is left to the caller.
type Pool struct {
	capPages   int
	totalPages int
	entries    []entry
}

// NewPool returns a pool that retains at most capPages worth of heaps.
func NewPool(capPages int) *Pool {
	return &Pool{capPages: capPages}
}

// Push offers a fully-decommitted heap to the pool. If accepted, the pool
// takes ownership of h and returns true. If the pool is already at
// capacity, Push leaves h untouched and returns false -- the caller
// decides what happens next (typically offering it to Garbage as a
// second-tier cache, or releasing it outright).
func (p *Pool) Push(h *pseudoheap.Heap, pages int) (retained bool) {
	if p.totalPages+pages > p.capPages {
		return false
	}
	p.entries = append(p.entries, entry{h, pages})
	p.totalPages += pages
	return true
}

// Pop removes and returns the most recently pushed heap with at least
// minPages reserved capacity, or (nil, false) if none qualifies. Popping
// is O(1) in the common case (minPages satisfied by the head).
func (p *Pool) Pop(minPages int) (*pseudoheap.Heap, bool) {
	for i := len(p.entries) - 1; i >= 0; i-- {
		if p.entries[i].pages >= minPages {
			e := p.entries[i]
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			p.totalPages -= e.pages
			return e.heap, true
		}
	}
	return nil, false
}

// UsingMem reports the page-granular bytes retained by the pool.
func (p *Pool) UsingMem() int { return p.totalPages * pseudoheap.PageSize }

// Garbage is the second-tier retention cache: heaps that overflowed Pool
// land here instead of being released outright, so a class that keeps
// oscillating between idle and active still gets a fast reuse path.
// Pushing beyond the cap evicts (and releases) the oldest entry first.
type Garbage struct {
	capPages   int
	totalPages int
	entries    []entry // front = oldest
}

// NewGarbage returns a garbage list capped at capPages.
func NewGarbage(capPages int) *Garbage {
	return &Garbage{capPages: capPages}
}

// Push records a retired heap of the given page count, evicting the oldest
// entries (releasing their reservations) until there is room. A heap too
// large to ever fit under the cap is released instead of retained.
func (g *Garbage) Push(h *pseudoheap.Heap, pages int) {
	for g.totalPages+pages > g.capPages && len(g.entries) > 0 {
		oldest := g.entries[0]
		g.entries = g.entries[1:]
		g.totalPages -= oldest.pages
		oldest.heap.Release()
	}
	if g.totalPages+pages > g.capPages {
		h.Release()
		return
	}
	g.entries = append(g.entries, entry{h, pages})
	g.totalPages += pages
}

// Pop removes and returns a garbage entry with at least minPages, if one
// exists, preferring the most recently pushed (most likely to still be
// warm in the page cache).
func (g *Garbage) Pop(minPages int) (*pseudoheap.Heap, bool) {
	for i := len(g.entries) - 1; i >= 0; i-- {
		if g.entries[i].pages >= minPages {
			e := g.entries[i]
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			g.totalPages -= e.pages
			return e.heap, true
		}
	}
	return nil, false
}

// UsingMem reports the page-granular bytes retained by the garbage list.
func (g *Garbage) UsingMem() int { return g.totalPages * pseudoheap.PageSize }
