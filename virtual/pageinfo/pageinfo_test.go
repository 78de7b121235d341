// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pageinfo

import "testing"

func TestRecordRoundTrip(t *testing.T) {
	tab := New(1000, 4096, 128, 4)

	id, live := tab.PopFreeID()
	if live {
		t.Fatal("fresh id should not have a live mapping")
	}
	null := tab.Null()
	tab.Replace(id, null, null, 4000, 17)
	if tab.Prev(id) != null || tab.Next(id) != null {
		t.Fatal("links should be null")
	}
	if tab.Offset(id) != 4000 || tab.SizeClass(id) != 17 {
		t.Fatalf("got (%d, %d), want (4000, 17)", tab.Offset(id), tab.SizeClass(id))
	}

	tab.SetOffset(id, 128)
	tab.SetNext(id, 3)
	if tab.Offset(id) != 128 || tab.Next(id) != 3 {
		t.Fatal("partial updates lost")
	}
}

func TestNullExceedsEveryID(t *testing.T) {
	tab := New(255, 4096, 64, 0)
	if tab.Null() < 255 {
		t.Fatalf("null sentinel %d collides with the id space", tab.Null())
	}
}

func TestFreshIDsAreDense(t *testing.T) {
	tab := New(100, 4096, 64, 0)
	for want := uint32(0); want < 10; want++ {
		id, _ := tab.PopFreeID()
		if id != want {
			t.Fatalf("minted %d, want %d", id, want)
		}
	}
}

// TestPoolPreferredOverStack checks the pop ordering: retained-mapping
// pool first, then the stack, then a fresh id.
func TestPoolPreferredOverStack(t *testing.T) {
	tab := New(100, 4096, 64, 2)
	for i := 0; i < 5; i++ {
		tab.PopFreeID()
	}

	for id := uint32(0); id < 5; id++ {
		retained := tab.PushFreeID(id)
		if want := id < 2; retained != want {
			t.Fatalf("PushFreeID(%d) retained=%v, want %v", id, retained, want)
		}
	}

	// Pool entries (0, 1) come back first, mapping still live.
	for i := 0; i < 2; i++ {
		if _, live := tab.PopFreeID(); !live {
			t.Fatal("pooled id should report a live mapping")
		}
	}
	// Then stack entries, LIFO, mapping gone.
	if id, live := tab.PopFreeID(); live || id != 4 {
		t.Fatalf("got (%d, %v), want (4, false)", id, live)
	}
	// Stack drained next; a fresh mint follows after.
	tab.PopFreeID()
	tab.PopFreeID()
	if id, _ := tab.PopFreeID(); id != 5 {
		t.Fatalf("expected fresh id 5, got %d", id)
	}
}

func TestFleetExhaustionPanics(t *testing.T) {
	tab := New(2, 4096, 64, 0)
	tab.PopFreeID()
	tab.PopFreeID()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic past the fleet cap")
		}
	}()
	tab.PopFreeID()
}
