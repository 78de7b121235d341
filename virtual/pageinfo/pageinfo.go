// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pageinfo keeps the per-physical-page metadata of the virtual
// Multiheap-fit variant: for every page id, its position in a size
// class's doubly-linked page chain, the byte offset of the free hole at
// the head of the page, and the class the page serves.
//
// The record layout follows the same packed variable-width scheme as
// package blockinfo; field widths are fixed once at construction from
// the page-fleet cap and page size. The table is the variant-2 analogue
// of the runtime's mspan header fields (runtime/mheap.go: next, prev,
// freeindex, sizeclass) flattened into a dense id-indexed array instead
// of a linked header struct, since pages here are named by id, not by
// address.
package pageinfo

import "github.com/mhfit/multiheap/bitpack"

// Table is the page-info table plus its free-id bookkeeping.
type Table struct {
	data   []byte
	stride int

	prev   bitpack.Field
	next   bitpack.Field
	offset bitpack.Field
	class  bitpack.Field

	null uint32 // the all-ones "no page" sentinel for prev/next

	n       uint32   // ids minted so far; the next fresh id
	pMax    uint32   // fleet cap; minting beyond it is a bug
	stack   []uint32 // freed ids whose physical backing is released
	pool    []uint32 // freed ids whose mapping (and page) is retained
	poolCap int
}

// New builds a table for a fleet of at most pMax page ids serving
// classes up to maxClass, with in-page offsets up to maxOffset (the
// page size). poolCap bounds the retained-mapping pool; 0 disables it.
func New(pMax uint32, maxOffset, maxClass uint64, poolCap int) *Table {
	prev := bitpack.NewField(0, uint64(pMax))
	next := bitpack.NewField(prev.End(), uint64(pMax))
	offset := bitpack.NewField(next.End(), maxOffset)
	class := bitpack.NewField(offset.End(), maxClass)
	return &Table{
		stride:  class.End(),
		prev:    prev,
		next:    next,
		offset:  offset,
		class:   class,
		null:    uint32(^uint64(0) &^ (^uint64(0) << uint(8*prev.Width))),
		pMax:    pMax,
		poolCap: poolCap,
	}
}

// Null returns the sentinel page id meaning "no page". It is strictly
// greater than any id the table will ever mint.
func (t *Table) Null() uint32 { return t.null }

func (t *Table) record(id uint32) []byte {
	off := int(id) * t.stride
	return t.data[off : off+t.stride]
}

// Prev returns the page preceding id in its class chain, or Null().
func (t *Table) Prev(id uint32) uint32 { return uint32(t.prev.Get(t.record(id))) }

// Next returns the page following id in its class chain, or Null().
func (t *Table) Next(id uint32) uint32 { return uint32(t.next.Get(t.record(id))) }

// Offset returns the byte offset of the page's free hole: bytes from the
// page start to the first live block header.
func (t *Table) Offset(id uint32) uint32 { return uint32(t.offset.Get(t.record(id))) }

// SizeClass returns the class the page currently serves.
func (t *Table) SizeClass(id uint32) uint32 { return uint32(t.class.Get(t.record(id))) }

// SetPrev rewrites only the prev link.
func (t *Table) SetPrev(id, prev uint32) { t.prev.Put(t.record(id), uint64(prev)) }

// SetNext rewrites only the next link.
func (t *Table) SetNext(id, next uint32) { t.next.Put(t.record(id), uint64(next)) }

// SetOffset rewrites only the free-hole offset.
func (t *Table) SetOffset(id, offset uint32) { t.offset.Put(t.record(id), uint64(offset)) }

// Replace writes all four fields of id's record in one burst, the shape
// every head-page insertion uses.
func (t *Table) Replace(id, prev, next, offset, sc uint32) {
	r := t.record(id)
	t.prev.Put(r, uint64(prev))
	t.next.Put(r, uint64(next))
	t.offset.Put(r, uint64(offset))
	t.class.Put(r, uint64(sc))
}

// PopFreeID produces a page id for a new head page. It prefers the
// retained-mapping pool (mappingLive=true: the physical page and its
// binding are still in place, no service round-trip needed), then the
// free-id stack, then mints a fresh id and extends the table.
func (t *Table) PopFreeID() (id uint32, mappingLive bool) {
	if n := len(t.pool); n > 0 {
		id = t.pool[n-1]
		t.pool = t.pool[:n-1]
		return id, true
	}
	if n := len(t.stack); n > 0 {
		id = t.stack[n-1]
		t.stack = t.stack[:n-1]
		return id, false
	}
	id = t.n
	if id >= t.pMax {
		panic("pageinfo: page fleet exhausted")
	}
	t.n++
	if need := int(t.n) * t.stride; need > len(t.data) {
		grown := make([]byte, need)
		copy(grown, t.data)
		t.data = grown
	}
	return id, false
}

// PushFreeID retires a page id whose page just emptied. If the pool has
// room the id is retained (retained=true) and the caller must leave the
// binding and physical page alone; otherwise the id goes to the free
// stack and the caller must unmap the binding and release the page.
func (t *Table) PushFreeID(id uint32) (retained bool) {
	if len(t.pool) < t.poolCap {
		t.pool = append(t.pool, id)
		return true
	}
	t.stack = append(t.stack, id)
	return false
}

// DrainPool empties the retained-mapping pool, returning the ids so the
// owner can unmap and release them (used by the allocator's Final).
func (t *Table) DrainPool() []uint32 {
	ids := t.pool
	t.pool = nil
	return ids
}

// PooledPages reports how many freed pages are currently retained with
// live backing.
func (t *Table) PooledPages() int { return len(t.pool) }

// UsingMem reports the table's own footprint in bytes.
func (t *Table) UsingMem() int { return len(t.data) }
