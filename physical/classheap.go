// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package physical

import (
	"github.com/mhfit/multiheap/bitpack"
	"github.com/mhfit/multiheap/physical/pseudoheap"
)

// classHeap is one size-class's compacting pseudo-heap: a dense array of
// equally-sized slots, each laid out [block-id header][user bytes padded
// to the class size], with the invariant that the first count slots are
// exactly the live blocks.
//
// This is the variant-1 analogue of a single runtime mcentral: one class,
// one backing store, except compaction keeps the live set packed instead
// of threading mspans through a free/non-free mSpanList.
type classHeap struct {
	idField  bitpack.Field // block-id header, same width for every class
	slotSize int           // idField.Width + class representative size
	heap     *pseudoheap.Heap
	count    uint32 // n_c
}

func newClassHeap(idField bitpack.Field, classSize uint32, maxSlots uint32, heap *pseudoheap.Heap) *classHeap {
	return &classHeap{
		idField:  idField,
		slotSize: idField.Width + int(classSize),
		heap:     heap,
	}
}

func (c *classHeap) slot(ofs uint32) []byte {
	base := int(ofs) * c.slotSize
	return c.heap.Address()[base : base+c.slotSize]
}

// payload returns the user-data region of the slot at ofs, i.e. the slot
// past its block-id header.
func (c *classHeap) payload(ofs uint32) []byte {
	return c.slot(ofs)[c.idField.Width:]
}

// append grows the heap by one slot if needed, writes id into the new
// slot's header, and returns the slot's offset.
func (c *classHeap) append(id uint32) (ofs uint32, err error) {
	ofs = c.count
	needed := (int(ofs) + 1) * c.slotSize
	if needed > c.heap.UsingMem() {
		if err := c.heap.Grow(needed); err != nil {
			return 0, err
		}
	}
	c.idField.Put(c.slot(ofs), uint64(id))
	c.count++
	return ofs, nil
}

// removeAt compacts slot ofs out of the live prefix by swapping the last
// live slot into its place. It reports the id
// of the block that moved (and now lives at ofs) if the removed slot
// wasn't already the last one.
func (c *classHeap) removeAt(ofs uint32) (movedID uint32, moved bool) {
	last := c.count - 1
	if ofs != last {
		copy(c.slot(ofs), c.slot(last))
		movedID = uint32(c.idField.Get(c.slot(ofs)))
		moved = true
	}
	c.count--
	return movedID, moved
}

// extraPageRate is the committed-page excess trim tolerates: up to one
// extra page per extraPageRate needed pages stays committed, so a class
// oscillating around a page boundary does not thrash madvise.
const extraPageRate = 8

// trim decommits the heap toward what the live prefix needs, within the
// excess tolerance. It is the within-heap half of the shrink policy: the
// coarser whole-heap-retirement half (pushing an emptied classHeap's
// reservation into the allocator's pool/garbage caches) is handled by the
// engine, since it is the one that knows when a class has gone fully
// idle. An empty heap trims all the way down, which is what retirement
// relies on.
func (c *classHeap) trim() error {
	needed := int(c.count) * c.slotSize
	neededPages := (needed + pseudoheap.PageSize - 1) / pseudoheap.PageSize
	keep := neededPages + neededPages/extraPageRate
	if c.heap.UsingMem() > keep*pseudoheap.PageSize {
		return c.heap.Shrink(keep * pseudoheap.PageSize)
	}
	return nil
}

// pages returns the heap's currently committed page count.
func (c *classHeap) pages() int { return c.heap.UsingMem() / pseudoheap.PageSize }
