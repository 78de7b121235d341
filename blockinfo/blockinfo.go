// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockinfo holds the one-entry-per-live-block-id descriptor
// table: a dense array indexed by block id, each entry a fixed
// record of (size-class, location), with variable-width fields whose
// widths are fixed once at init from the caller's declared caps.
//
// This is the allocator's analogue of a combination of runtime's per-object
// size-class bookkeeping and the arena lookup tables mheap.go keeps per
// page -- here flattened to one record per logical id instead of one per
// physical page, since block ids (not addresses) are the stable handle.
package blockinfo

import "github.com/mhfit/multiheap/bitpack"

// allOnesSentinel builds the "no page" value for variant-2 tables: a
// field of all-one bits, written at construction so dereferencing a
// never-allocated id is well-defined.
const allOnesSentinel = ^uint64(0)

// OffsetTable is the variant-1 shape of blockinfo: each record holds
// (size-class, slot-offset-within-class-heap).
type OffsetTable struct {
	data   []byte
	stride int
	class  bitpack.Field
	offset bitpack.Field
}

// NewOffsetTable builds a table for up to nMax block ids, where class
// indices fit in maxClass and slot offsets fit in maxOffset.
func NewOffsetTable(nMax uint32, maxClass, maxOffset uint64) *OffsetTable {
	class := bitpack.NewField(0, maxClass)
	offset := bitpack.NewField(class.End(), maxOffset)
	stride := offset.End()
	return &OffsetTable{
		data:   make([]byte, int(nMax)*stride),
		stride: stride,
		class:  class,
		offset: offset,
	}
}

func (t *OffsetTable) record(id uint32) []byte {
	off := int(id) * t.stride
	return t.data[off : off+t.stride]
}

// Free reports whether id currently has no live block (size-class 0).
func (t *OffsetTable) Free(id uint32) bool { return t.SizeClass(id) == 0 }

// SizeClass returns the current size class of id, or 0 if free.
func (t *OffsetTable) SizeClass(id uint32) uint32 { return uint32(t.class.Get(t.record(id))) }

// Offset returns the slot offset within id's size-class heap. Only valid
// when SizeClass(id) != 0.
func (t *OffsetTable) Offset(id uint32) uint32 { return uint32(t.offset.Get(t.record(id))) }

// SetAllocated records that id is now live in class sc at slot offset ofs.
func (t *OffsetTable) SetAllocated(id uint32, sc uint32, ofs uint32) {
	r := t.record(id)
	t.class.Put(r, uint64(sc))
	t.offset.Put(r, uint64(ofs))
}

// SetOffset updates only the location of an already-live id, the case
// triggered when a peer's deallocate compacts a different block into id's
// old slot.
func (t *OffsetTable) SetOffset(id uint32, ofs uint32) {
	t.offset.Put(t.record(id), uint64(ofs))
}

// Clear marks id free.
func (t *OffsetTable) Clear(id uint32) {
	t.class.Put(t.record(id), 0)
}

// UsingMem reports the table's footprint in bytes.
func (t *OffsetTable) UsingMem() int { return len(t.data) }

// PageTable is the variant-2 shape of blockinfo: each record holds
// (size-class, page-id, page-offset).
type PageTable struct {
	data       []byte
	stride     int
	class      bitpack.Field
	page       bitpack.Field
	pageOffset bitpack.Field
}

// NewPageTable builds a table for up to nMax block ids, where class
// indices fit in maxClass, page ids fit in maxPage, and in-page byte
// offsets fit in maxPageOffset. Every record's page field is initialized
// to the all-ones "null page" sentinel.
func NewPageTable(nMax uint32, maxClass, maxPage, maxPageOffset uint64) *PageTable {
	class := bitpack.NewField(0, maxClass)
	page := bitpack.NewField(class.End(), maxPage)
	pageOffset := bitpack.NewField(page.End(), maxPageOffset)
	stride := pageOffset.End()
	t := &PageTable{
		data:       make([]byte, int(nMax)*stride),
		stride:     stride,
		class:      class,
		page:       page,
		pageOffset: pageOffset,
	}
	nullPage := allOnesSentinel &^ (allOnesSentinel << uint(8*page.Width))
	for id := uint32(0); id < nMax; id++ {
		page.Put(t.record(id), nullPage)
	}
	return t
}

func (t *PageTable) record(id uint32) []byte {
	off := int(id) * t.stride
	return t.data[off : off+t.stride]
}

// Free reports whether id currently has no live block (size-class 0).
func (t *PageTable) Free(id uint32) bool { return t.SizeClass(id) == 0 }

// SizeClass returns the current size class of id, or 0 if free.
func (t *PageTable) SizeClass(id uint32) uint32 { return uint32(t.class.Get(t.record(id))) }

// Location returns the (page id, in-page byte offset) id's slot lives at.
// Only valid when SizeClass(id) != 0.
func (t *PageTable) Location(id uint32) (page, pageOffset uint32) {
	r := t.record(id)
	return uint32(t.page.Get(r)), uint32(t.pageOffset.Get(r))
}

// SetAllocated records that id is now live in class sc at (page, pageOffset).
func (t *PageTable) SetAllocated(id uint32, sc, page, pageOffset uint32) {
	r := t.record(id)
	t.class.Put(r, uint64(sc))
	t.page.Put(r, uint64(page))
	t.pageOffset.Put(r, uint64(pageOffset))
}

// SetLocation updates only the location of an already-live id.
func (t *PageTable) SetLocation(id uint32, page, pageOffset uint32) {
	r := t.record(id)
	t.page.Put(r, uint64(page))
	t.pageOffset.Put(r, uint64(pageOffset))
}

// Clear marks id free. The page field is left untouched; only a
// never-allocated id needs to read as the null page, and SizeClass is
// the authoritative "is it live" check.
func (t *PageTable) Clear(id uint32) {
	t.class.Put(t.record(id), 0)
}

// UsingMem reports the table's footprint in bytes.
func (t *PageTable) UsingMem() int { return len(t.data) }
