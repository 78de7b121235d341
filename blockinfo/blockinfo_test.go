// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package blockinfo

import "testing"

func TestOffsetTableLifecycle(t *testing.T) {
	tab := NewOffsetTable(16, 8, 1<<20-1)
	for id := uint32(0); id < 16; id++ {
		if !tab.Free(id) {
			t.Fatalf("id %d should start free", id)
		}
	}
	tab.SetAllocated(3, 5, 100)
	if tab.Free(3) {
		t.Fatal("id 3 should be live")
	}
	if tab.SizeClass(3) != 5 || tab.Offset(3) != 100 {
		t.Fatalf("unexpected record: class=%d offset=%d", tab.SizeClass(3), tab.Offset(3))
	}
	tab.SetOffset(3, 42)
	if tab.Offset(3) != 42 {
		t.Fatalf("SetOffset did not stick: %d", tab.Offset(3))
	}
	tab.Clear(3)
	if !tab.Free(3) {
		t.Fatal("id 3 should be free after Clear")
	}
}

func TestPageTableNullSentinel(t *testing.T) {
	tab := NewPageTable(8, 8, 300, 4096)
	for id := uint32(0); id < 8; id++ {
		if !tab.Free(id) {
			t.Fatalf("id %d should start free", id)
		}
	}
	tab.SetAllocated(2, 3, 17, 2048)
	page, ofs := tab.Location(2)
	if page != 17 || ofs != 2048 {
		t.Fatalf("unexpected location: page=%d ofs=%d", page, ofs)
	}
	tab.SetLocation(2, 18, 0)
	page, ofs = tab.Location(2)
	if page != 18 || ofs != 0 {
		t.Fatalf("SetLocation did not stick: page=%d ofs=%d", page, ofs)
	}
	tab.Clear(2)
	if !tab.Free(2) {
		t.Fatal("id 2 should be free after Clear")
	}
}

func TestOffsetTableIndependence(t *testing.T) {
	tab := NewOffsetTable(4, 4, 4)
	tab.SetAllocated(0, 1, 1)
	tab.SetAllocated(1, 2, 2)
	tab.SetAllocated(2, 3, 3)
	if tab.SizeClass(0) != 1 || tab.SizeClass(1) != 2 || tab.SizeClass(2) != 3 {
		t.Fatal("records overlap stride")
	}
	if !tab.Free(3) {
		t.Fatal("untouched id should remain free")
	}
}
