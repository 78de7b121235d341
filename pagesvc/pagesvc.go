// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pagesvc talks to the page-allocation service that backs the
// virtual Multiheap-fit variant: a trusted supplier of physical pages,
// addressed by small page ids, that the allocator binds into its own
// reserved address ranges by mapping the service's file descriptor at
// offset id*PageSize.
//
// Two implementations are provided. Device drives the real character
// device over its ioctl channel. Memfd emulates the service on an
// anonymous memory file; a regular file offset behaves exactly like a
// bound physical page (including multiple simultaneous mappings of the
// same page, which the linked-page scheme in virtual/addrmap relies on),
// so the emulation is faithful enough for tests and for hosts without
// the kernel module.
package pagesvc

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Service is the page-supplier contract the virtual allocator consumes.
// Page ids are dense small integers owned by the caller; the service
// only tracks which ids currently have a physical page bound.
type Service interface {
	// AllocPage binds a physical page of the current order to id.
	AllocPage(id uint32) error
	// FreePage releases the physical page bound to id. Unmapping a
	// binding does not release the page; only FreePage does.
	FreePage(id uint32) error
	// ResizeFleet grows the service's id fleet to at least count ids.
	ResizeFleet(count uint32) error
	// UsingMem reports total bytes held by the service.
	UsingMem() (uint64, error)
	// SetPageOrder sets the physical page size to 2^(order+12) bytes.
	// Only legal while the fleet holds no pages.
	SetPageOrder(order uint32) error
	// PageSize returns the current physical page size in bytes.
	PageSize() int
	// Fd returns the descriptor to mmap page bindings from. A mapping
	// of one page at file offset id*PageSize aliases the physical page
	// bound to id.
	Fd() int
	Close() error
}

// ioctl request codes. Encoded with the conventional Linux _IOW/_IOR
// layout over magic byte 'M'; the numbering 0..4 is stable ABI.
const (
	iocMagic = 'M'

	iocWrite = 1
	iocRead  = 2

	argSize = 8 // every request carries one uint64
)

func ioc(dir, nr uintptr) uintptr {
	return dir<<30 | argSize<<16 | iocMagic<<8 | nr
}

var (
	reqAllocPage   = ioc(iocWrite, 0)
	reqFreePage    = ioc(iocWrite, 1)
	reqResizeFleet = ioc(iocWrite, 2)
	reqUsingMem    = ioc(iocRead, 3)
	reqSetOrder    = ioc(iocWrite, 4)
)

// DefaultPath is where the page-service character device is expected.
const DefaultPath = "/dev/mhfit-pages"

// basePageShift is the service's order-0 page size exponent:
// PageSize = 2^(order+basePageShift).
const basePageShift = 12

// Device is the Service implementation over the kernel character device.
type Device struct {
	fd    int
	order uint32
}

var _ Service = (*Device)(nil)

// Open opens the page-service device at path.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pagesvc: open %s: %w", path, err)
	}
	return &Device{fd: fd}, nil
}

func (d *Device) ioctl(req uintptr, arg *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(unsafe.Pointer(arg)))
	if errno != 0 {
		return fmt.Errorf("pagesvc: ioctl %#x: %w", req, errno)
	}
	return nil
}

func (d *Device) AllocPage(id uint32) error {
	arg := uint64(id)
	return d.ioctl(reqAllocPage, &arg)
}

func (d *Device) FreePage(id uint32) error {
	arg := uint64(id)
	return d.ioctl(reqFreePage, &arg)
}

func (d *Device) ResizeFleet(count uint32) error {
	arg := uint64(count)
	return d.ioctl(reqResizeFleet, &arg)
}

func (d *Device) UsingMem() (uint64, error) {
	var arg uint64
	if err := d.ioctl(reqUsingMem, &arg); err != nil {
		return 0, err
	}
	return arg, nil
}

func (d *Device) SetPageOrder(order uint32) error {
	arg := uint64(order)
	if err := d.ioctl(reqSetOrder, &arg); err != nil {
		return err
	}
	d.order = order
	return nil
}

func (d *Device) PageSize() int { return 1 << (d.order + basePageShift) }

func (d *Device) Fd() int { return d.fd }

func (d *Device) Close() error { return unix.Close(d.fd) }

// Memfd emulates the page service on an anonymous memory file. Pages
// "allocated" to an id are simply accounted; the file's offset space is
// the fleet, so mapping at id*PageSize behaves like the device binding.
type Memfd struct {
	fd    int
	order uint32
	fleet uint32
	bound map[uint32]bool
}

var _ Service = (*Memfd)(nil)

// NewMemfd creates an emulated page service.
func NewMemfd() (*Memfd, error) {
	fd, err := unix.MemfdCreate("mhfit-pages", 0)
	if err != nil {
		return nil, fmt.Errorf("pagesvc: memfd_create: %w", err)
	}
	return &Memfd{fd: fd, bound: make(map[uint32]bool)}, nil
}

func (m *Memfd) AllocPage(id uint32) error {
	if m.bound[id] {
		return fmt.Errorf("pagesvc: page %d already bound", id)
	}
	if id >= m.fleet {
		if err := m.ResizeFleet(id + 1); err != nil {
			return err
		}
	}
	m.bound[id] = true
	return nil
}

func (m *Memfd) FreePage(id uint32) error {
	if !m.bound[id] {
		return fmt.Errorf("pagesvc: page %d not bound", id)
	}
	delete(m.bound, id)
	// Drop the backing so a refreed fleet does not pin physical memory.
	off := int64(id) * int64(m.PageSize())
	return unix.Fallocate(m.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, off, int64(m.PageSize()))
}

func (m *Memfd) ResizeFleet(count uint32) error {
	if count <= m.fleet {
		return nil
	}
	if err := unix.Ftruncate(m.fd, int64(count)*int64(m.PageSize())); err != nil {
		return fmt.Errorf("pagesvc: resize fleet to %d: %w", count, err)
	}
	m.fleet = count
	return nil
}

func (m *Memfd) UsingMem() (uint64, error) {
	return uint64(len(m.bound)) * uint64(m.PageSize()), nil
}

func (m *Memfd) SetPageOrder(order uint32) error {
	if len(m.bound) != 0 {
		return fmt.Errorf("pagesvc: SetPageOrder with %d pages bound", len(m.bound))
	}
	m.order = order
	m.fleet = 0
	return unix.Ftruncate(m.fd, 0)
}

func (m *Memfd) PageSize() int { return 1 << (m.order + basePageShift) }

func (m *Memfd) Fd() int { return m.fd }

func (m *Memfd) Close() error { return unix.Close(m.fd) }
