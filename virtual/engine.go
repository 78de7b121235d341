// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtual implements the Virtual Multiheap-fit variant: each
// size class's pseudo-heap is a chain of pseudo-pages, every pseudo-page
// backed by one physical page from the page-allocation service and laid
// out in address space by package addrmap so that a block may straddle
// the boundary between two chained pages.
//
// Blocks pack downward from the tail of the chain. The head page is the
// only one with a free hole, [0, offset); allocation claims stride bytes
// below the hole, and when the hole is too small the new block takes the
// tail of a fresh head page and spills its trailing bytes into the old
// head through the head's sub slot. Compact-on-free copies the chain's
// first block (at the head's hole edge) over the freed slot, so the
// packed stream never fragments -- the same move the variant-1 engine
// performs slot-by-slot, re-expressed over linked pages.
package virtual

import (
	"fmt"

	"github.com/mhfit/multiheap/bitpack"
	"github.com/mhfit/multiheap/blockinfo"
	"github.com/mhfit/multiheap/fault"
	"github.com/mhfit/multiheap/pagesvc"
	"github.com/mhfit/multiheap/sizeclass"
	"github.com/mhfit/multiheap/virtual/addrmap"
	"github.com/mhfit/multiheap/virtual/pageinfo"
)

// Config configures a variant-2 allocator. BMax is accepted but
// unenforced, kept only for width-sizing headroom, matching the
// variant-1 contract.
type Config struct {
	SMin, SMax uint32
	NMax       uint32
	BMax       uint64

	Class sizeclass.Config // SMax is always set from SMax above

	// Service supplies physical pages. Nil opens the kernel device at
	// pagesvc.DefaultPath; the allocator then owns (and closes) it.
	Service pagesvc.Service

	// PagePoolCap bounds the retained-mapping pool of freed page ids.
	// Zero selects a small built-in default.
	PagePoolCap int
}

const defaultPagePoolCap = 8

// FatalError is the panic value for precondition violations and OS
// resource failures. See package fault for the rationale.
type FatalError = fault.Error

// Allocator is a variant-2 (virtual) Multiheap-fit handle.
type Allocator struct {
	cfg     Config
	tab     *sizeclass.Table
	info    *blockinfo.PageTable
	pages   *pageinfo.Table
	mem     *addrmap.Map
	svc     pagesvc.Service
	ownsSvc bool
	idField bitpack.Field

	heads    []uint32 // head page per class, pages.Null() when empty
	pageSize uint32
	warmupID uint32
}

// New builds a variant-2 allocator: sizes the page order to the largest
// slot, reserves the two-slots-per-page address region, and primes the
// internal tables with a warmup allocate/free pair at S_max.
func New(cfg Config) (*Allocator, error) {
	if cfg.SMin == 0 || cfg.SMin > cfg.SMax {
		return nil, fmt.Errorf("virtual: invalid configuration: SMin=%d SMax=%d", cfg.SMin, cfg.SMax)
	}
	if cfg.NMax == 0 {
		return nil, fmt.Errorf("virtual: NMax must be > 0")
	}
	cc := cfg.Class
	cc.SMax = cfg.SMax
	if cc.Align == 0 {
		cc.Align = 8
	}
	tab, err := sizeclass.Build(cc)
	if err != nil {
		return nil, err
	}

	svc := cfg.Service
	ownsSvc := false
	if svc == nil {
		dev, err := pagesvc.Open(pagesvc.DefaultPath)
		if err != nil {
			return nil, err
		}
		svc = dev
		ownsSvc = true
	}

	// One extra id is the warmup id, never handed to callers.
	nReserved := cfg.NMax + 1
	idField := bitpack.NewField(0, uint64(nReserved))
	numClasses := uint32(tab.NumClasses())

	// The physical page order is the smallest power of two that holds
	// one maximum-class slot, so a slot spans at most two pages.
	maxStride := idField.Width + int(tab.ClassToSize(numClasses))
	order := uint32(0)
	for svcPageSize(order) < maxStride {
		order++
	}
	if err := svc.SetPageOrder(order); err != nil {
		return nil, err
	}
	pageSize := uint32(svc.PageSize())

	// Fleet bound: every live block consumes at most one page of chain
	// space (stride <= pageSize), plus per class one partly-empty head
	// and one page of straddle spill, plus the warmup block.
	pMax := nReserved + 2*numClasses + 1
	if err := svc.ResizeFleet(pMax); err != nil {
		return nil, err
	}
	mem, err := addrmap.New(svc, int(pMax))
	if err != nil {
		return nil, err
	}

	poolCap := cfg.PagePoolCap
	if poolCap == 0 {
		poolCap = defaultPagePoolCap
	}
	pages := pageinfo.New(pMax, uint64(pageSize), uint64(numClasses), poolCap)
	info := blockinfo.NewPageTable(nReserved, uint64(numClasses), uint64(pMax), uint64(pageSize))

	heads := make([]uint32, numClasses+1)
	for i := range heads {
		heads[i] = pages.Null()
	}

	a := &Allocator{
		cfg:      cfg,
		tab:      tab,
		info:     info,
		pages:    pages,
		mem:      mem,
		svc:      svc,
		ownsSvc:  ownsSvc,
		idField:  idField,
		heads:    heads,
		pageSize: pageSize,
		warmupID: cfg.NMax,
	}

	// Warmup allocate/free pair at S_max to pre-page internal structures.
	a.place(a.warmupID, numClasses)
	a.freeSlotOf(a.warmupID)
	return a, nil
}

func svcPageSize(order uint32) int { return 1 << (order + 12) }

func (a *Allocator) checkID(id uint32) {
	if id >= a.cfg.NMax {
		fault.Failf("block id out of range", "id=%d NMax=%d", id, a.cfg.NMax)
	}
}

// stride is the slot footprint of class sc: id header plus padded payload.
func (a *Allocator) stride(sc uint32) uint32 {
	return uint32(a.idField.Width) + a.tab.ClassToSize(sc)
}

// acquirePage produces a bound page for a new head, reusing a pooled
// binding when one is retained.
func (a *Allocator) acquirePage() uint32 {
	id, mappingLive := a.pages.PopFreeID()
	if !mappingLive {
		fault.Check("allocate physical page", a.svc.AllocPage(id))
		fault.Check("bind page", a.mem.Bind(id))
	}
	return id
}

// releasePage retires an emptied head page: pooled with its binding kept
// live, or unmapped and returned to the service.
func (a *Allocator) releasePage(pid uint32) {
	if a.pages.PushFreeID(pid) {
		return
	}
	fault.Check("unbind page", a.mem.Unbind(pid))
	fault.Check("release physical page", a.svc.FreePage(pid))
}

// place claims a slot for id in class sc, growing the page chain when
// the head's hole is too small, and records the location in block-info.
func (a *Allocator) place(id, sc uint32) {
	stride := a.stride(sc)
	null := a.pages.Null()
	head := a.heads[sc]

	var page, off uint32
	if head == null {
		page = a.acquirePage()
		off = a.pageSize - stride
		a.pages.Replace(page, null, null, off, sc)
		a.heads[sc] = page
	} else if hoff := a.pages.Offset(head); hoff >= stride {
		page = head
		off = hoff - stride
		a.pages.SetOffset(head, off)
	} else {
		// Hole too small: the new block takes the tail of a fresh head
		// and spills its last hoff bytes into the old head's
		// hole, reached through the new head's sub slot.
		page = a.acquirePage()
		off = a.pageSize - (stride - hoff)
		a.pages.Replace(page, null, head, off, sc)
		a.pages.SetPrev(head, page)
		a.heads[sc] = page
		if hoff > 0 {
			fault.Check("link successor page", a.mem.SetNext(page, head))
		}
	}

	span := a.mem.Span(page)
	bitpack.Put(span, int(off), a.idField.Width, uint64(id))
	a.info.SetAllocated(id, sc, page, off)
}

// freeSlotOf reads id's slot location, clears its descriptor, and
// compacts the slot away.
func (a *Allocator) freeSlotOf(id uint32) {
	sc := a.info.SizeClass(id)
	page, off := a.info.Location(id)
	a.info.Clear(id)
	a.freeSlot(sc, page, off)
}

// freeSlot removes the slot at (page, off) from class sc's packed
// stream: the chain's first block (at the head's hole edge) is copied
// over it, then the hole grows by one stride, unlinking the head page
// when it empties.
func (a *Allocator) freeSlot(sc, page, off uint32) {
	stride := a.stride(sc)
	head := a.heads[sc]
	hoff := a.pages.Offset(head)

	if page != head || off != hoff {
		src := a.mem.Span(head)[hoff : hoff+stride]
		dst := a.mem.Span(page)[off : off+stride]
		copy(dst, src)
		movedID := uint32(bitpack.Get(dst, 0, a.idField.Width))
		a.info.SetLocation(movedID, page, off)
	}

	newOff := hoff + stride
	if newOff < a.pageSize {
		a.pages.SetOffset(head, newOff)
		return
	}

	// The head page emptied. newOff past the page end means its last
	// block straddled into the successor; drop the sub-slot link before
	// recycling, and the spill bytes become the successor's hole edge.
	next := a.pages.Next(head)
	if newOff > a.pageSize {
		fault.Check("unlink successor page", a.mem.ResetNext(head))
	}
	a.releasePage(head)
	a.heads[sc] = next
	if next != a.pages.Null() {
		a.pages.SetPrev(next, a.pages.Null())
		a.pages.SetOffset(next, newOff-a.pageSize)
	}
}

// payloadAt returns the user-payload region of the slot at (page, off).
func (a *Allocator) payloadAt(sc, page, off uint32) []byte {
	size := a.tab.ClassToSize(sc)
	start := int(off) + a.idField.Width
	return a.mem.Span(page)[start : start+int(size)]
}

// Allocate claims a slot for id, S_min <= length <= S_max.
func (a *Allocator) Allocate(id uint32, length uint32) error {
	a.checkID(id)
	if length < a.cfg.SMin || length > a.cfg.SMax {
		fault.Failf("allocate: length out of range", "length=%d", length)
	}
	if !a.info.Free(id) {
		fault.Failf("allocate: id already live", "id=%d", id)
	}
	a.place(id, a.tab.SizeToClass(length))
	return nil
}

// Deallocate frees id's slot and compacts the class's packed stream.
func (a *Allocator) Deallocate(id uint32) error {
	a.checkID(id)
	if a.info.Free(id) {
		fault.Failf("deallocate: id already free", "id=%d", id)
	}
	a.freeSlotOf(id)
	return nil
}

// Reallocate moves id to the class of newLength. It always allocates a
// new slot, copies, and frees the old one, never resizing in place.
func (a *Allocator) Reallocate(id uint32, newLength uint32) error {
	a.checkID(id)
	if a.info.Free(id) {
		fault.Failf("reallocate: id is free", "id=%d", id)
	}
	if newLength < a.cfg.SMin || newLength > a.cfg.SMax {
		fault.Failf("reallocate: length out of range", "length=%d", newLength)
	}
	oldSC := a.info.SizeClass(id)
	newSC := a.tab.SizeToClass(newLength)
	if newSC == oldSC {
		return nil
	}

	oldPage, oldOff := a.info.Location(id)
	n := a.tab.ClassToSize(oldSC)
	if s := a.tab.ClassToSize(newSC); s < n {
		n = s
	}

	a.place(id, newSC)
	newPage, newOff := a.info.Location(id)
	copy(a.payloadAt(newSC, newPage, newOff)[:n], a.payloadAt(oldSC, oldPage, oldOff)[:n])
	a.freeSlot(oldSC, oldPage, oldOff)
	return nil
}

// Dereference returns id's payload, or nil if id is free. The slice is
// only valid until the next mutating call on any block of this
// allocator.
func (a *Allocator) Dereference(id uint32) []byte {
	a.checkID(id)
	if a.info.Free(id) {
		return nil
	}
	sc := a.info.SizeClass(id)
	page, off := a.info.Location(id)
	return a.payloadAt(sc, page, off)
}

// DereferenceConst is Dereference's read-only twin, kept for API parity.
func (a *Allocator) DereferenceConst(id uint32) []byte { return a.Dereference(id) }

// Length returns the internal (class-rounded) size of id, or 0 if free.
func (a *Allocator) Length(id uint32) uint32 {
	a.checkID(id)
	return a.tab.ClassToSize(a.info.SizeClass(id))
}

// DereferenceAndLength is the single-lookup combo of the two above.
func (a *Allocator) DereferenceAndLength(id uint32) ([]byte, uint32) {
	a.checkID(id)
	if a.info.Free(id) {
		return nil, 0
	}
	sc := a.info.SizeClass(id)
	page, off := a.info.Location(id)
	return a.payloadAt(sc, page, off), a.tab.ClassToSize(sc)
}

// UsingMem reports bytes held across all components: the service's
// physical pages (pooled pages included, since they stay allocated) plus
// the internal tables.
func (a *Allocator) UsingMem() uint64 {
	svcBytes, err := a.svc.UsingMem()
	fault.Check("using_mem", err)
	return svcBytes + uint64(a.pages.UsingMem()) + uint64(a.info.UsingMem())
}

// Stats breaks UsingMem into live chain pages versus retained pool
// bytes, the MemStats-shaped split of in-use and idle.
type Stats struct {
	Live     uint64 // bytes of pages currently in class chains
	Retained uint64 // bytes of pooled, still-bound free pages
	Tables   uint64 // internal table footprint
}

// ReadStats reports the current breakdown.
func (a *Allocator) ReadStats() Stats {
	var chained uint64
	null := a.pages.Null()
	for _, head := range a.heads {
		for p := head; p != null; p = a.pages.Next(p) {
			chained += uint64(a.pageSize)
		}
	}
	return Stats{
		Live:     chained,
		Retained: uint64(a.pages.PooledPages()) * uint64(a.pageSize),
		Tables:   uint64(a.pages.UsingMem()) + uint64(a.info.UsingMem()),
	}
}

// Final releases every page and mapping this allocator holds. The
// Allocator must not be used afterward.
func (a *Allocator) Final() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	null := a.pages.Null()
	for sc := range a.heads {
		for p := a.heads[sc]; p != null; {
			next := a.pages.Next(p)
			note(a.svc.FreePage(p))
			p = next
		}
		a.heads[sc] = null
	}
	for _, p := range a.pages.DrainPool() {
		note(a.svc.FreePage(p))
	}
	note(a.mem.Release())
	if a.ownsSvc {
		note(a.svc.Close())
	}
	return firstErr
}
