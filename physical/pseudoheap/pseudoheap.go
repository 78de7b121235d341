// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pseudoheap implements the page-granular, growable virtual memory
// region: a contiguous range of the process's address
// space, reserved once and committed/decommitted page by page.
//
// The reserve-once, map/unmap-in-place approach mirrors runtime.sysReserve
// / runtime.sysMap / runtime.sysFree (see runtime/mheap.go's grow, and
// malloc.go's mallocinit) adapted from the runtime's whole-process single
// arena to one reserved range per pseudo-heap, and from raw mmap syscalls
// to golang.org/x/sys/unix the way
// other_examples/fc5dcc64_SnellerInc-sneller__vm-malloc.go.go reserves one
// large anonymous region up front and then toggles PROT_NONE/PROT_READ|
// PROT_WRITE over sub-ranges of it instead of mapping and unmapping
// separate regions.
package pseudoheap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the host page size this package maps in units of.
const PageSize = 4096

// Heap is one pseudo-heap: a reserved virtual range of reserveBytes,
// of which committed (<=reserveBytes) is currently backed by read/write
// pages starting at the heap's base.
type Heap struct {
	base      []byte // the full reserved mapping, PROT_NONE beyond committed
	committed int    // bytes currently mapped read/write, always a multiple of PageSize
}

// Reserve reserves maxBytes of virtual address space (rounded up to a
// whole number of pages) as an inaccessible (PROT_NONE) anonymous mapping,
// giving the heap a stable base address for its entire lifetime.
func Reserve(maxBytes int) (*Heap, error) {
	n := roundUp(maxBytes, PageSize)
	if n == 0 {
		n = PageSize
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("pseudoheap: reserve %d bytes: %w", n, err)
	}
	return &Heap{base: b}, nil
}

func roundUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// Address returns the heap's base address. It never changes for the
// lifetime of the Heap.
func (h *Heap) Address() []byte { return h.base }

// UsingMem reports bytes currently committed.
func (h *Heap) UsingMem() int { return h.committed }

// Cap returns the maximum size this heap was reserved for.
func (h *Heap) Cap() int { return len(h.base) }

// Grow ensures at least newSize bytes (rounded up to a page) are committed,
// read/write memory starting at Address(). It is idempotent when
// newSize <= current committed size.
func (h *Heap) Grow(newSize int) error {
	want := roundUp(newSize, PageSize)
	if want <= h.committed {
		return nil
	}
	if want > len(h.base) {
		return fmt.Errorf("pseudoheap: grow to %d exceeds reservation of %d", want, len(h.base))
	}
	if err := unix.Mprotect(h.base[h.committed:want], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("pseudoheap: commit [%d,%d): %w", h.committed, want, err)
	}
	h.committed = want
	return nil
}

// Shrink reduces committed pages to newSize (rounded up to a page),
// releasing the decommitted tail's physical backing via MADV_DONTNEED and
// marking it PROT_NONE so a future Grow recommits cleanly. It is a no-op
// when newSize >= current committed size.
func (h *Heap) Shrink(newSize int) error {
	want := roundUp(newSize, PageSize)
	if want >= h.committed {
		return nil
	}
	tail := h.base[want:h.committed]
	if err := unix.Madvise(tail, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("pseudoheap: madvise [%d,%d): %w", want, h.committed, err)
	}
	if err := unix.Mprotect(tail, unix.PROT_NONE); err != nil {
		return fmt.Errorf("pseudoheap: decommit [%d,%d): %w", want, h.committed, err)
	}
	h.committed = want
	return nil
}

// Release unmaps the entire reservation. The Heap must not be used
// afterward.
func (h *Heap) Release() error {
	if h.base == nil {
		return nil
	}
	err := unix.Munmap(h.base)
	h.base = nil
	h.committed = 0
	return err
}
