// AMD64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import (
	"github.com/smpkernel/core/internal/reg"
)

// Fixed low-memory addresses the 16-bit AP trampoline and its GDT are
// relocated to; shared with the bringup package's BSP-side driver, which
// owns the handoff record these addresses hand control to.
const (
	APInitAddress  = 0x4000
	APStartAddress = 0x5000
	APGDTAddress   = 0x6000
	APGDTRAddress  = 0x6018
)

// APTrampolineVector is the INIT-SIPI-SIPI vector encoding the trampoline
// page frame.
//
// AMD64 Architecture Programmer's Manual Volume 2 - 15.27.8 Secure
// Multiprocessor Initialization: the vector provides the upper 8 bits of a
// 20-bit physical address.
const APTrampolineVector = APInitAddress >> 12

// defined in smp.s
func apinit_reloc(init uintptr, start uintptr)

// RelocateAPTrampoline copies the 16-bit real-mode AP trampoline to
// APInitAddress and patches in the shared 64-bit entry pointer at
// APStartAddress, once, before the first AP is brought up.
func RelocateAPTrampoline() {
	apinit_reloc(APInitAddress, APStartAddress)
}

// BuildAPGDT writes the flat code/data Global Descriptor Table, and its
// descriptor (GDTR), that the AP trampoline loads on its way to 64-bit
// mode.
func BuildAPGDT() {
	reg.Write64(APGDTAddress+0x00, 0x0000000000000000) // null descriptor
	reg.Write64(APGDTAddress+0x08, 0x00209a00000fffff) // code descriptor (x/r)
	reg.Write64(APGDTAddress+0x10, 0x00009200000fffff) // data descriptor (r/w)

	reg.Write16(APGDTRAddress+0x00, 3*8-1)        // GDT limit
	reg.Write32(APGDTRAddress+0x02, APGDTAddress) // GDT base address
}
