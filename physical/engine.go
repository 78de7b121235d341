// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package physical implements the Physical Multiheap-fit variant: one
// compacting pseudo-heap per size class, each a page-granular region
// grown and shrunk with golang.org/x/sys/unix mmap/mprotect/madvise,
// backed by a small per-allocator cache of retired reservations (package
// recycle) to damp mapping churn.
//
// The orchestration mirrors runtime/malloc.go's mallocgc: look up the
// size class, find or grow the class's backing store, write the
// allocation's header, and record its location -- except compaction
// (not a free list) is what keeps each heap dense.
package physical

import (
	"fmt"

	"github.com/mhfit/multiheap/bitpack"
	"github.com/mhfit/multiheap/blockinfo"
	"github.com/mhfit/multiheap/fault"
	"github.com/mhfit/multiheap/physical/pseudoheap"
	"github.com/mhfit/multiheap/physical/recycle"
	"github.com/mhfit/multiheap/sizeclass"
)

// Config configures a physical allocator. BMax is accepted but
// unenforced, kept only for field-width sizing headroom.
type Config struct {
	SMin, SMax uint32
	NMax       uint32
	BMax       uint64

	Class sizeclass.Config // Mode/Align/Classes/Ratio/Base are forwarded; SMax is always set from SMax above

	// PoolCapPages/GarbageCapPages size the two-tier retired-reservation
	// cache. Zero selects small built-in defaults.
	PoolCapPages    int
	GarbageCapPages int
}

const (
	defaultPoolCapPages    = 64
	defaultGarbageCapPages = 256
)

// Allocator is a physical Multiheap-fit handle.
type Allocator struct {
	cfg     Config
	tab     *sizeclass.Table
	info    *blockinfo.OffsetTable
	idField bitpack.Field

	classes map[uint32]*classHeap
	pool    *recycle.Pool
	garbage *recycle.Garbage

	warmupID uint32
}

// FatalError is the panic value for precondition violations and OS
// resource failures. See package fault for the rationale.
type FatalError = fault.Error

// New builds a physical allocator.
func New(cfg Config) (*Allocator, error) {
	if cfg.SMin == 0 || cfg.SMin > cfg.SMax {
		return nil, fmt.Errorf("physical: invalid configuration: SMin=%d SMax=%d", cfg.SMin, cfg.SMax)
	}
	if cfg.NMax == 0 {
		return nil, fmt.Errorf("physical: NMax must be > 0")
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

	poolCap := cfg.PoolCapPages
	if poolCap == 0 {
		poolCap = defaultPoolCapPages
	}
	garbageCap := cfg.GarbageCapPages
	if garbageCap == 0 {
		garbageCap = defaultGarbageCapPages
	}

	// nMax+1 reserves one extra id (the warmup id) never handed to callers.
	nReserved := cfg.NMax + 1
	idField := bitpack.NewField(0, uint64(nReserved))
	maxClass := uint64(tab.NumClasses())
	maxOffset := uint64(cfg.NMax)
	info := blockinfo.NewOffsetTable(nReserved, maxClass, maxOffset)

	a := &Allocator{
		cfg:      cfg,
		tab:      tab,
		info:     info,
		idField:  idField,
		classes:  make(map[uint32]*classHeap),
		pool:     recycle.NewPool(poolCap),
		garbage:  recycle.NewGarbage(garbageCap),
		warmupID: cfg.NMax,
	}

	// Warmup allocate/free pair at the maximum size to pre-page internal
	// structures, modeled on runtime.mallocinit's persistent priming of
	// mheap_.spans. It goes through the class heap directly because the
	// warmup id lies outside the [0, NMax) range checkID admits.
	sc := tab.SizeToClass(cfg.SMax)
	ch, err := a.classHeapFor(sc)
	if err != nil {
		return nil, err
	}
	ofs, err := ch.append(a.warmupID)
	if err != nil {
		return nil, err
	}
	ch.removeAt(ofs)
	a.retire(sc, ch)
	return a, nil
}

func (a *Allocator) checkID(id uint32) {
	if id >= a.cfg.NMax {
		fault.Failf("block id out of range", "id=%d NMax=%d", id, a.cfg.NMax)
	}
}

// Allocate claims a slot for id, SMin <= length <= SMax.
func (a *Allocator) Allocate(id uint32, length uint32) error {
	a.checkID(id)
	if length < a.cfg.SMin || length > a.cfg.SMax {
		fault.Failf("allocate: length out of range", "length=%d", length)
	}
	if !a.info.Free(id) {
		fault.Failf("allocate: id already live", "id=%d", id)
	}

	sc := a.tab.SizeToClass(length)
	ch, err := a.classHeapFor(sc)
	if err != nil {
		return err
	}
	ofs, err := ch.append(id)
	if err != nil {
		return err
	}
	a.info.SetAllocated(id, sc, ofs)
	return nil
}

// Deallocate frees id's slot and compacts its class heap.
func (a *Allocator) Deallocate(id uint32) error {
	a.checkID(id)
	if a.info.Free(id) {
		fault.Failf("deallocate: id already free", "id=%d", id)
	}
	sc := a.info.SizeClass(id)
	ofs := a.info.Offset(id)
	ch := a.classes[sc]

	movedID, moved := ch.removeAt(ofs)
	if moved {
		a.info.SetOffset(movedID, ofs)
	}
	a.info.Clear(id)

	if ch.count == 0 {
		a.retire(sc, ch)
	} else if err := ch.trim(); err != nil {
		return err
	}
	return nil
}

// retire fully decommits an emptied class heap and offers its reservation
// to the two-tier cache, pool first.
func (a *Allocator) retire(sc uint32, ch *classHeap) {
	fault.Check("retire: trim", ch.trim())
	delete(a.classes, sc)
	capPages := ch.heap.Cap() / pseudoheap.PageSize
	if a.pool.Push(ch.heap, capPages) {
		return
	}
	a.garbage.Push(ch.heap, capPages)
}

// classHeapFor returns the (possibly newly created) class heap for sc,
// first trying to reuse a retired reservation from the pool/garbage cache.
func (a *Allocator) classHeapFor(sc uint32) (*classHeap, error) {
	if ch, ok := a.classes[sc]; ok {
		return ch, nil
	}
	classSize := a.tab.ClassToSize(sc)
	slotSize := a.idField.Width + int(classSize)
	maxBytes := slotSize * int(a.cfg.NMax)
	minPages := (maxBytes + pseudoheap.PageSize - 1) / pseudoheap.PageSize

	if h, ok := a.pool.Pop(minPages); ok {
		ch := newClassHeap(a.idField, classSize, a.cfg.NMax, h)
		a.classes[sc] = ch
		return ch, nil
	}
	if h, ok := a.garbage.Pop(minPages); ok {
		ch := newClassHeap(a.idField, classSize, a.cfg.NMax, h)
		a.classes[sc] = ch
		return ch, nil
	}
	h, err := pseudoheap.Reserve(maxBytes)
	if err != nil {
		return nil, err
	}
	ch := newClassHeap(a.idField, classSize, a.cfg.NMax, h)
	a.classes[sc] = ch
	return ch, nil
}

// Reallocate moves id to the class of newLength; a no-op when the class
// does not change.
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

	oldCh := a.classes[oldSC]
	oldOfs := a.info.Offset(id)
	oldPayload := append([]byte(nil), oldCh.payload(oldOfs)...)

	newCh, err := a.classHeapFor(newSC)
	if err != nil {
		return err
	}
	newOfs, err := newCh.append(id)
	if err != nil {
		return err
	}
	copy(newCh.payload(newOfs), oldPayload)
	a.info.SetAllocated(id, newSC, newOfs)

	movedID, moved := oldCh.removeAt(oldOfs)
	if moved {
		a.info.SetOffset(movedID, oldOfs)
	}
	if oldCh.count == 0 {
		a.retire(oldSC, oldCh)
	} else if err := oldCh.trim(); err != nil {
		return err
	}
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
	ofs := a.info.Offset(id)
	return a.classes[sc].payload(ofs)
}

// DereferenceConst is Dereference's read-only twin; Go has no const
// pointers, so it is an alias kept for API parity.
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
	ofs := a.info.Offset(id)
	return a.classes[sc].payload(ofs), a.tab.ClassToSize(sc)
}

// UsingMem reports committed bytes across all live class heaps plus whatever the pool/garbage cache is retaining.
func (a *Allocator) UsingMem() uint64 {
	var total uint64
	for _, ch := range a.classes {
		total += uint64(ch.heap.UsingMem())
	}
	total += uint64(a.pool.UsingMem())
	total += uint64(a.garbage.UsingMem())
	return total
}

// Stats breaks UsingMem into committed class-heap bytes versus retained
// pool/garbage bytes, the MemStats-shaped split of in-use and idle.
type Stats struct {
	Live     uint64 // bytes committed under live class heaps
	Retained uint64 // bytes held by the pool and garbage caches
	Tables   uint64 // internal table footprint
}

// ReadStats reports the current breakdown.
func (a *Allocator) ReadStats() Stats {
	var s Stats
	for _, ch := range a.classes {
		s.Live += uint64(ch.heap.UsingMem())
	}
	s.Retained = uint64(a.pool.UsingMem()) + uint64(a.garbage.UsingMem())
	s.Tables = uint64(a.info.UsingMem())
	return s
}

// Final releases every reservation this allocator holds, including the
// pool/garbage cache. The Allocator must not be used afterward.
func (a *Allocator) Final() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for sc, ch := range a.classes {
		note(ch.heap.Release())
		delete(a.classes, sc)
	}
	for {
		h, ok := a.pool.Pop(0)
		if !ok {
			break
		}
		note(h.Release())
	}
	for {
		h, ok := a.garbage.Pop(0)
		if !ok {
			break
		}
		note(h.Release())
	}
	return firstErr
}
