// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pagesvc

import (
	"testing"

	"golang.org/x/sys/unix"
)

func newTestService(t *testing.T) *Memfd {
	t.Helper()
	svc, err := NewMemfd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestRequestCodes(t *testing.T) {
	// The magic byte and numbering are stable ABI; pin them.
	want := map[string]uintptr{
		"alloc":  0x40084d00,
		"free":   0x40084d01,
		"resize": 0x40084d02,
		"using":  0x80084d03,
		"order":  0x40084d04,
	}
	got := map[string]uintptr{
		"alloc":  reqAllocPage,
		"free":   reqFreePage,
		"resize": reqResizeFleet,
		"using":  reqUsingMem,
		"order":  reqSetOrder,
	}
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s request = %#x, want %#x", name, got[name], w)
		}
	}
}

func TestMemfdAccounting(t *testing.T) {
	svc := newTestService(t)

	if err := svc.ResizeFleet(8); err != nil {
		t.Fatal(err)
	}
	for id := uint32(0); id < 4; id++ {
		if err := svc.AllocPage(id); err != nil {
			t.Fatal(err)
		}
	}
	if got, _ := svc.UsingMem(); got != 4*uint64(svc.PageSize()) {
		t.Fatalf("UsingMem = %d, want %d", got, 4*svc.PageSize())
	}
	if err := svc.FreePage(2); err != nil {
		t.Fatal(err)
	}
	if got, _ := svc.UsingMem(); got != 3*uint64(svc.PageSize()) {
		t.Fatalf("UsingMem after free = %d", got)
	}
	if err := svc.FreePage(2); err == nil {
		t.Fatal("double free should fail")
	}
}

func TestSetPageOrder(t *testing.T) {
	svc := newTestService(t)

	if svc.PageSize() != 4096 {
		t.Fatalf("order-0 page size = %d", svc.PageSize())
	}
	if err := svc.SetPageOrder(1); err != nil {
		t.Fatal(err)
	}
	if svc.PageSize() != 8192 {
		t.Fatalf("order-1 page size = %d", svc.PageSize())
	}

	if err := svc.AllocPage(0); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetPageOrder(2); err == nil {
		t.Fatal("SetPageOrder with a non-empty fleet should fail")
	}
}

// TestMultipleMappingsAlias checks the contract the linked-page scheme
// depends on: two mappings of one page offset see each other's writes.
func TestMultipleMappingsAlias(t *testing.T) {
	svc := newTestService(t)

	if err := svc.AllocPage(0); err != nil {
		t.Fatal(err)
	}
	ps := svc.PageSize()
	m1, err := unix.Mmap(svc.Fd(), 0, ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(m1)
	m2, err := unix.Mmap(svc.Fd(), 0, ps, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Munmap(m2)

	m1[17] = 0xEE
	if m2[17] != 0xEE {
		t.Fatal("mappings of the same page do not alias")
	}
}
