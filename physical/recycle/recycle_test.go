// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package recycle

import (
	"testing"

	"github.com/mhfit/multiheap/physical/pseudoheap"
)

func newHeap(t *testing.T, pages int) *pseudoheap.Heap {
	t.Helper()
	h, err := pseudoheap.Reserve(pages * pseudoheap.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Grow(pages * pseudoheap.PageSize); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestPoolCapEviction(t *testing.T) {
	p := NewPool(4)
	h1 := newHeap(t, 2)
	h2 := newHeap(t, 2)
	h3 := newHeap(t, 2)

	if !p.Push(h1, 2) {
		t.Fatal("first push should be retained")
	}
	if !p.Push(h2, 2) {
		t.Fatal("second push should be retained (fills cap exactly)")
	}
	if p.Push(h3, 2) {
		t.Fatal("third push should overflow the cap and not be retained")
	}
	h3.Release()

	got, ok := p.Pop(2)
	if !ok || got != h2 {
		t.Fatal("expected Pop to return the most recently pushed heap")
	}
	if p.UsingMem() != 2*pseudoheap.PageSize {
		t.Fatalf("UsingMem after one pop = %d", p.UsingMem())
	}
	got.Release()
	h1.Release()
}

func TestGarbageEvictsOldest(t *testing.T) {
	g := NewGarbage(4)
	h1 := newHeap(t, 2)
	h2 := newHeap(t, 2)
	h3 := newHeap(t, 2)

	g.Push(h1, 2)
	g.Push(h2, 2)
	// Pushing h3 must evict h1 (the oldest) to stay within the cap.
	g.Push(h3, 2)

	if _, ok := g.Pop(2); !ok {
		t.Fatal("expected a surviving entry")
	}
	if _, ok := g.Pop(2); !ok {
		t.Fatal("expected a second surviving entry")
	}
	if _, ok := g.Pop(2); ok {
		t.Fatal("expected the evicted entry to be gone")
	}
}
