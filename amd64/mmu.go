// AMD64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

const CR0_WP = 16

// defined in mmu.s
func read_cr0() uint64
func write_cr0(val uint64)
func read_cr3() uint64
func write_cr3(val uint64)
func invlpg(addr uint64)

// SetWriteProtect configures the Write Protect (WP) bit in Control Register 0
// (CR0).
func (cpu *CPU) SetWriteProtect(enable bool) {
	cr0 := read_cr0()
	if enable {
		cr0 |= (1 << CR0_WP)
	} else {
		cr0 &^= (1 << CR0_WP)
	}
	write_cr0(cr0)
}

// ReadCR3 returns the physical address of the top-level page table currently
// in use on the calling CPU.
func (cpu *CPU) ReadCR3() uint64 {
	return read_cr3()
}

// WriteCR3 loads a new top-level page table and, as a side effect of the
// MOV-to-CR3 instruction, flushes all non-global TLB entries on the calling
// CPU.
func (cpu *CPU) WriteCR3(val uint64) {
	write_cr3(val)
}

// Invlpg invalidates the TLB entry, on the calling CPU only, that translates
// the page containing addr. It is the single-page primitive the shootdown
// engine dispatches from its IPI handler.
func (cpu *CPU) Invlpg(addr uint64) {
	invlpg(addr)
}

// FlushTLB reloads CR3 with its current value, invalidating every
// non-global TLB entry on the calling CPU. It is the primitive the
// shootdown engine runs for full-flush (ShootdownAll) requests.
func (cpu *CPU) FlushTLB() {
	write_cr3(read_cr3())
}
