// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package addrmap lays the page service's physical pages out in the
// process's address space so that a block may straddle two pages and
// still be read and written through one contiguous pointer.
//
// The region reserves two virtual page slots per physical page id:
//
//	main slot of pid: region page 2*pid   -- pid's primary binding
//	sub slot of pid:  region page 2*pid+1 -- pid's linked successor
//
// The sub slot sits immediately after the main slot, so a write that
// runs off the end of pid's page falls through into whatever page is
// bound there. SetNext binds a successor page into the sub slot;
// ResetNext replaces it with an inaccessible reservation again. The
// page service supports many simultaneous bindings of one physical
// page, which is what lets a page be both some block's successor (a sub
// slot) and hold its own blocks (its main slot) at once.
//
// Reservation and in-place rebinding follow the same pattern as the
// variant-1 pseudoheap: one big PROT_NONE anonymous mapping up front,
// then MAP_FIXED over sub-ranges of it -- the runtime's sysReserve/
// sysMap split (runtime/mem_linux.go) with the file-backed fd of the
// page service standing in for anonymous commitment.
package addrmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mhfit/multiheap/pagesvc"
)

// Map is the reserved two-slots-per-page region over one page service.
type Map struct {
	svc      pagesvc.Service
	region   []byte
	pageSize int
}

// New reserves address space for pMax physical pages (2*pMax virtual
// page slots) at the service's current page size.
func New(svc pagesvc.Service, pMax int) (*Map, error) {
	n := 2 * pMax * svc.PageSize()
	region, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("addrmap: reserve %d bytes: %w", n, err)
	}
	return &Map{svc: svc, region: region, pageSize: svc.PageSize()}, nil
}

// PageSize returns the physical page size the region is laid out in.
func (m *Map) PageSize() int { return m.pageSize }

// slotBase returns the byte offset of virtual page slot i.
func (m *Map) slotBase(i uint32) int { return int(i) * m.pageSize }

// remap replaces one virtual page slot in place. With fd >= 0 it binds
// the physical page at file offset fileOff read/write and shared (the
// same page may be bound elsewhere too); with fd < 0 it restores the
// inaccessible anonymous reservation.
func (m *Map) remap(slot uint32, fd int, fileOff int64) error {
	addr := uintptr(unsafe.Pointer(&m.region[m.slotBase(slot)]))
	prot := uintptr(unix.PROT_READ | unix.PROT_WRITE)
	flags := uintptr(unix.MAP_SHARED | unix.MAP_FIXED)
	if fd < 0 {
		prot = unix.PROT_NONE
		flags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED | unix.MAP_NORESERVE
	}
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(m.pageSize),
		prot, flags, uintptr(fd), uintptr(fileOff))
	if errno != 0 {
		return fmt.Errorf("addrmap: remap slot %d: %w", slot, errno)
	}
	return nil
}

// Bind maps physical page pid into its main slot.
func (m *Map) Bind(pid uint32) error {
	return m.remap(2*pid, m.svc.Fd(), int64(pid)*int64(m.pageSize))
}

// Unbind returns pid's main slot to an inaccessible reservation. The
// physical page stays allocated; releasing it is the service's ioctl.
func (m *Map) Unbind(pid uint32) error {
	return m.remap(2*pid, -1, 0)
}

// SetNext binds physical page next into pid's sub slot, so writes that
// overflow pid's main slot land on next.
func (m *Map) SetNext(pid, next uint32) error {
	return m.remap(2*pid+1, m.svc.Fd(), int64(next)*int64(m.pageSize))
}

// ResetNext returns pid's sub slot to an inaccessible reservation.
func (m *Map) ResetNext(pid uint32) error {
	return m.remap(2*pid+1, -1, 0)
}

// Span returns the contiguous two-page window of pid: its main slot
// followed by its sub slot. A block whose header starts in the main
// slot may run into the sub slot; slicing stays in bounds either way.
func (m *Map) Span(pid uint32) []byte {
	base := m.slotBase(2 * pid)
	return m.region[base : base+2*m.pageSize]
}

// Release unmaps the whole reservation. The Map must not be used
// afterward.
func (m *Map) Release() error {
	if m.region == nil {
		return nil
	}
	err := unix.Munmap(m.region)
	m.region = nil
	return err
}
