// AMD64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

// Control Register 0 (CR0) bits relevant to FPU/SSE state management
// (AMD64 Architecture Programmer's Manual Volume 2 - 3.1.1).
const (
	CR0_MP = 1  // Monitor Coprocessor
	CR0_EM = 2  // Emulation
	CR0_TS = 3  // Task Switched
	CR0_NE = 5  // Numeric Error
)

// Control Register 4 (CR4) bits enabling FXSAVE/XSAVE support
// (AMD64 Architecture Programmer's Manual Volume 2 - 3.1.2).
const (
	CR4_OSFXSR     = 9  // OS supports FXSAVE/FXRSTOR
	CR4_OSXMMEXCPT = 10 // OS supports unmasked SIMD exceptions
	CR4_OSXSAVE    = 18 // OS supports XSAVE/XRSTOR and XGETBV/XSETBV
)

// XCR0 feature-enable bits (XSETBV, extended control register 0).
const (
	XCR0_X87 = 0
	XCR0_SSE = 1
	XCR0_AVX = 2
)

// defined in xsave.s
func read_cr4() uint64
func write_cr4(val uint64)
func xgetbv(index uint32) uint64
func xsetbv(index uint32, val uint64)
func xsave(buf *byte, mask uint64)
func xrstor(buf *byte, mask uint64)
func fxsave(buf *byte)
func fxrstor(buf *byte)
func clts()
func stts()

// EnableFPU sets the control-register bits that make FXSAVE/FXRSTOR (and,
// when available, XSAVE/XRSTOR) usable: CR0.MP/NE and, feature-dependent,
// CR4.OSFXSR/OSXMMEXCPT/OSXSAVE plus the XCR0 feature mask.
func (cpu *CPU) EnableFPU() {
	cr0 := read_cr0()
	cr0 &^= (1 << CR0_EM)
	cr0 |= (1 << CR0_MP) | (1 << CR0_NE)
	write_cr0(cr0)

	if !cpu.features.SSE {
		return
	}

	cr4 := read_cr4()
	cr4 |= (1 << CR4_OSFXSR) | (1 << CR4_OSXMMEXCPT)

	if cpu.features.AVX {
		cr4 |= (1 << CR4_OSXSAVE)
	}

	write_cr4(cr4)

	if cpu.features.AVX {
		mask := uint64(1<<XCR0_X87 | 1<<XCR0_SSE | 1<<XCR0_AVX)
		xsetbv(0, mask)
	}
}

// SetTaskSwitched sets CR0.TS so that the next FPU/SSE/AVX instruction
// executed by this CPU traps into the #NM handler.
func (cpu *CPU) SetTaskSwitched() {
	stts()
}

// ClearTaskSwitched clears CR0.TS.
func (cpu *CPU) ClearTaskSwitched() {
	clts()
}

// XSave saves the extended processor state (x87/SSE/AVX, per the features
// enabled via EnableFPU) into buf, which must be at least
// Features.XSaveSize bytes and 64-byte aligned. It uses XSAVE when AVX/XSAVE
// are available, FXSAVE otherwise.
func (cpu *CPU) XSave(buf []byte) {
	if len(buf) == 0 {
		return
	}

	if cpu.features.AVX {
		mask := uint64(1<<XCR0_X87 | 1<<XCR0_SSE | 1<<XCR0_AVX)
		xsave(&buf[0], mask)
	} else {
		fxsave(&buf[0])
	}
}

// XRestore is the inverse of XSave.
func (cpu *CPU) XRestore(buf []byte) {
	if len(buf) == 0 {
		return
	}

	if cpu.features.AVX {
		mask := uint64(1<<XCR0_X87 | 1<<XCR0_SSE | 1<<XCR0_AVX)
		xrstor(&buf[0], mask)
	} else {
		fxrstor(&buf[0])
	}
}
