// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package physical

import (
	"bytes"
	"testing"

	"github.com/mhfit/multiheap/physical/pseudoheap"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(Config{
		SMin: 8,
		SMax: 256,
		NMax: 64,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// TestHelloWorld is scenario S1: allocate one block, write through
// Dereference, read it back, then deallocate.
func TestHelloWorld(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	const id = 0
	if err := a.Allocate(id, 11); err != nil {
		t.Fatal(err)
	}
	copy(a.Dereference(id), "hello world")
	if got := string(a.Dereference(id)[:11]); got != "hello world" {
		t.Fatalf("got %q", got)
	}
	if err := a.Deallocate(id); err != nil {
		t.Fatal(err)
	}
}

// TestTailSwapWitness is scenario S2: deallocating a non-last block must
// relocate the last block into the freed slot, and the relocated block's
// content and id-to-data mapping must both survive the move.
func TestTailSwapWitness(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	ids := []uint32{0, 1, 2}
	payloads := [][]byte{
		bytes.Repeat([]byte{0xAA}, 10),
		bytes.Repeat([]byte{0xBB}, 10),
		bytes.Repeat([]byte{0xCC}, 10),
	}
	for i, id := range ids {
		if err := a.Allocate(id, 10); err != nil {
			t.Fatal(err)
		}
		copy(a.Dereference(id), payloads[i])
	}

	// Free the first (non-last) block; id 2's data must relocate intact.
	if err := a.Deallocate(ids[0]); err != nil {
		t.Fatal(err)
	}
	if ofs := a.info.Offset(ids[2]); ofs != 0 {
		t.Fatalf("last block's slot = %d after the swap, want the freed slot 0", ofs)
	}
	got := a.Dereference(ids[2])[:10]
	if !bytes.Equal(got, payloads[2]) {
		t.Fatalf("relocated block content = %x, want %x", got, payloads[2])
	}
	got = a.Dereference(ids[1])[:10]
	if !bytes.Equal(got, payloads[1]) {
		t.Fatalf("untouched block content = %x, want %x", got, payloads[1])
	}
}

// TestExhaustiveDensity: after allocating many blocks in a class and
// freeing all but one, the backing heap must have shrunk back to the
// one page the survivor needs (no fragmentation from compaction).
func TestExhaustiveDensity(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	const n = 64
	for id := uint32(0); id < n; id++ {
		if err := a.Allocate(id, 256); err != nil {
			t.Fatalf("allocate %d: %v", id, err)
		}
	}
	sc := a.info.SizeClass(0)
	ch := a.classes[sc]
	if peak := ch.heap.UsingMem(); peak < n*ch.slotSize {
		t.Fatalf("committed %d bytes for %d slots of %d", peak, n, ch.slotSize)
	}

	for id := uint32(1); id < n; id++ {
		if err := a.Deallocate(id); err != nil {
			t.Fatalf("deallocate %d: %v", id, err)
		}
	}
	if ch.count != 1 {
		t.Fatalf("count = %d, want 1", ch.count)
	}
	if ch.heap.UsingMem() != pseudoheap.PageSize {
		t.Fatalf("UsingMem = %d, want one page for the one survivor", ch.heap.UsingMem())
	}
}

// TestRetirementReleasesAndReusesReservation covers the two-tier cache:
// emptying a class fully should retire its heap into Pool or Garbage, and
// a later allocation in the same class should reuse that reservation
// rather than mapping a fresh one.
func TestRetirementReleasesAndReusesReservation(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	if err := a.Allocate(0, 20); err != nil {
		t.Fatal(err)
	}
	sc := a.info.SizeClass(0)
	if err := a.Deallocate(0); err != nil {
		t.Fatal(err)
	}
	if _, stillPresent := a.classes[sc]; stillPresent {
		t.Fatal("emptied class heap should have been retired, not kept live")
	}
	if a.pool.UsingMem() == 0 && a.garbage.UsingMem() == 0 {
		t.Fatal("retired heap should have landed in pool or garbage")
	}

	if err := a.Allocate(1, 20); err != nil {
		t.Fatal(err)
	}
	if got := a.Dereference(1); len(got) == 0 {
		t.Fatal("reactivated class heap did not allocate")
	}
	if a.pool.UsingMem() != 0 || a.garbage.UsingMem() != 0 {
		t.Fatal("retired reservation was not reused by the later allocation")
	}
}

// TestReallocateMovesBetweenClasses covers reallocate growing a block past
// its current size class's boundary.
func TestReallocateMovesBetweenClasses(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	if err := a.Allocate(0, 10); err != nil {
		t.Fatal(err)
	}
	copy(a.Dereference(0), "0123456789")

	if err := a.Reallocate(0, 200); err != nil {
		t.Fatal(err)
	}
	if got := string(a.Dereference(0)[:10]); got != "0123456789" {
		t.Fatalf("content lost across reallocate: got %q", got)
	}
	if a.Length(0) < 200 {
		t.Fatalf("Length = %d, want >= 200", a.Length(0))
	}
}

// TestDereferenceOfFreeIDIsNil covers the null contract: dereferencing a
// free id observably returns nil/zero rather than a stale pointer.
func TestDereferenceOfFreeIDIsNil(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	if a.Dereference(5) != nil {
		t.Fatal("expected nil for a never-allocated id")
	}
	if err := a.Allocate(5, 16); err != nil {
		t.Fatal(err)
	}
	if err := a.Deallocate(5); err != nil {
		t.Fatal(err)
	}
	if a.Dereference(5) != nil {
		t.Fatal("expected nil after deallocate")
	}
	if data, length := a.DereferenceAndLength(5); data != nil || length != 0 {
		t.Fatalf("DereferenceAndLength(free) = (%v, %d), want (nil, 0)", data, length)
	}
}

func TestAllocateOutOfRangePanics(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Final()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range length")
		}
	}()
	a.Allocate(0, 100000)
}
