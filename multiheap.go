// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package multiheap is a space-saving dynamic allocator for
// application-indexed, relocatable blocks.
//
// Callers name blocks by small integer ids of their own choosing and
// receive a currently valid address on demand; the allocator is free to
// relocate any block whenever another block is freed. Storage is
// segregated into one pseudo-heap per size class, each kept as a dense
// array of equal-size slots by moving the last slot into any freed slot,
// so internal fragmentation stays near zero at the cost of unstable
// addresses.
//
// Two interchangeable engines implement the scheme. The physical
// variant (package physical) grows each pseudo-heap in the process's own
// address space with demand-mapped pages. The virtual variant (package
// virtual) composes pseudo-heaps from fixed-size pseudo-pages supplied
// by an external page-allocation service, chaining adjacent pages in
// address space so blocks may straddle page boundaries.
//
// Addresses returned by Dereference are borrowed: any subsequent
// Deallocate or Reallocate on any block may relocate them. The
// allocator is not safe for concurrent use.
package multiheap

import (
	"fmt"

	"github.com/mhfit/multiheap/fault"
	"github.com/mhfit/multiheap/pagesvc"
	"github.com/mhfit/multiheap/physical"
	"github.com/mhfit/multiheap/sizeclass"
	"github.com/mhfit/multiheap/virtual"
)

// Variant selects the backing engine.
type Variant int

const (
	// Physical maps pseudo-heaps directly from the OS.
	Physical Variant = iota
	// Virtual composes pseudo-heaps from page-service pseudo-pages.
	Virtual
)

// Config carries the allocator's declared caps and engine selection.
type Config struct {
	Variant Variant

	SMin uint32 // smallest length Allocate accepts, > 0
	SMax uint32 // largest length Allocate accepts, >= SMin
	NMax uint32 // block ids lie in [0, NMax)
	BMax uint64 // declared total-byte cap; sized into field widths, not enforced

	// Class tunes the size-class table; the zero value selects exact
	// 8-byte-aligned classes.
	Class sizeclass.Config

	// Service supplies physical pages to the Virtual engine. Nil opens
	// the kernel device at pagesvc.DefaultPath.
	Service pagesvc.Service
}

// Allocator is the operation surface both engines provide.
type Allocator interface {
	// Allocate claims a slot for id, SMin <= length <= SMax. id must be
	// currently free.
	Allocate(id uint32, length uint32) error
	// Deallocate frees id's slot, compacting its class. At most one
	// other block's address changes (the one moved into the freed slot).
	Deallocate(id uint32) error
	// Reallocate moves id to the class of newLength; a no-op when the
	// class does not change.
	Reallocate(id uint32, newLength uint32) error
	// Dereference returns id's payload, or nil if id is free. The slice
	// is invalidated by the next Deallocate or Reallocate on any block.
	Dereference(id uint32) []byte
	// DereferenceConst is Dereference for read-only access.
	DereferenceConst(id uint32) []byte
	// Length returns the internal (class-rounded) size of id, 0 if free.
	Length(id uint32) uint32
	// DereferenceAndLength returns both in a single lookup.
	DereferenceAndLength(id uint32) ([]byte, uint32)
	// UsingMem reports bytes held across all components, retained
	// caches included.
	UsingMem() uint64
	// Final releases everything. The handle must not be used afterward.
	Final() error
}

// FatalError is the panic value raised on precondition violations and
// OS resource failures; see package fault.
type FatalError = fault.Error

// New builds an allocator for cfg.
func New(cfg Config) (Allocator, error) {
	switch cfg.Variant {
	case Physical:
		a, err := physical.New(physical.Config{
			SMin:  cfg.SMin,
			SMax:  cfg.SMax,
			NMax:  cfg.NMax,
			BMax:  cfg.BMax,
			Class: cfg.Class,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case Virtual:
		a, err := virtual.New(virtual.Config{
			SMin:    cfg.SMin,
			SMax:    cfg.SMax,
			NMax:    cfg.NMax,
			BMax:    cfg.BMax,
			Class:   cfg.Class,
			Service: cfg.Service,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("multiheap: unknown variant %d", cfg.Variant)
	}
}
