// First-fit memory allocator for DMA buffers
// https://github.com/smpkernel/core
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"container/list"
	"fmt"
)

// Init initializes the global DMA region, used for general purpose
// allocation by the Default() region.
func Init(start uint, size uint) {
	dma = &Region{
		start:      start,
		size:       size,
		freeBlocks: list.New(),
		usedBlocks: make(map[uint]*block),
	}

	dma.freeBlocks.PushFront(&block{start, size, false})
}

// NewRegion allocates a new DMA region at a caller-supplied, fixed physical
// address. It is used for purpose-specific buffers (e.g. the IDT, the
// kvmclock shared page) that must live at a known address rather than inside the
// general purpose Default() pool.
//
// When clear is true the region is zero-initialized before use.
func NewRegion(start uint, size int, clear bool) (r *Region, err error) {
	if size <= 0 {
		return nil, fmt.Errorf("dma: invalid region size %d", size)
	}

	r = &Region{
		start:      start,
		size:       uint(size),
		freeBlocks: list.New(),
		usedBlocks: make(map[uint]*block),
	}

	r.freeBlocks.PushFront(&block{start, uint(size), false})

	if clear {
		addr, buf := r.Reserve(size, 0)
		for i := range buf {
			buf[i] = 0
		}
		r.Release(addr)
	}

	return r, nil
}

// Reserve allocates a slice of bytes from the Default() region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return Default().Reserve(size, align)
}

// Release frees a buffer previously obtained through Reserve().
func Release(addr uint) {
	Default().Release(addr)
}

// Alloc copies buf into the Default() region and returns its address.
func Alloc(buf []byte, align int) (addr uint) {
	return Default().Alloc(buf, align)
}

// Read reads len(buf) bytes at the given Default() region offset.
func Read(addr uint, off int, buf []byte) {
	Default().Read(addr, off, buf)
}

// Write writes buf at the given Default() region offset.
func Write(addr uint, off int, buf []byte) {
	Default().Write(addr, off, buf)
}

// Free releases a buffer previously obtained through Alloc().
func Free(addr uint) {
	Default().Free(addr)
}
