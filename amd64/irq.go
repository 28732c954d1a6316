// x86-64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import (
	"bytes"
	"encoding/binary"

	"github.com/smpkernel/core/dma"
)

// Interrupt Gate Descriptor Attributes
const (
	InterruptGate = 0b10001110
	TrapGate      = 0b10001111
)

// IRQ handling jump table constants
const (
	callSize = 5
	vectors  = 256
)

// IRQ handling jump table variables
var (
	idtAddr        uintptr
	irqHandlerAddr uintptr
)

// defined in irq.s
func load_idt() (idt uintptr, irqHandler uintptr)
func irq_enable()
func irq_disable()
func read_flags() uint64

// VectorHandler is called by the shared interrupt trampoline
// (irqHandler, defined in irq.s) for every vector in [32, 255], with
// interrupts left disabled and before any EOI has been issued. It must
// never block: the trampoline that calls it runs on the per-CPU interrupt
// stack and cannot be safely re-entered.
//
// kernel.New installs the ipi package's reserved-vector dispatch
// (ipi.System.Dispatch) here; device
// IRQ dispatch for vectors below the reserved range is wired up separately
// by the surrounding kernel.
var VectorHandler func(vector int)

//go:nosplit
func irqHandler()

// GateDescriptor represents an IDT Gate descriptor
// (Intel® 64 and IA-32 Architectures Software Developer’s Manual
// Volume 3A - 6.14.1 64-Bit Mode IDT).
type GateDescriptor struct {
	Offset1         uint16
	SegmentSelector uint16
	IST             uint8
	Attributes      uint8
	Offset2         uint16
	Offset3         uint32
	Reserved        uint32
}

// Bytes converts the descriptor structure to byte array format.
func (d *GateDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// SetOffset sets the address of the handling procedure entry point.
func (d *GateDescriptor) SetOffset(addr uintptr) {
	d.Offset1 = uint16(addr & 0xffff)
	d.Offset2 = uint16(addr >> 16 & 0xffff)
	d.Offset3 = uint32(addr >> 32)
}

// SetIDT populates IDT entries [start, end] (inclusive) so that each one
// traps into the shared irqHandler trampoline at the offset for its own
// vector number.
func SetIDT(start int, end int) {
	if idtAddr == 0 || irqHandlerAddr == 0 {
		idtAddr, irqHandlerAddr = load_idt()
	}

	desc := &GateDescriptor{
		SegmentSelector: 1 << 3,
		Attributes:      InterruptGate,
	}

	gateSize := len(desc.Bytes())
	idtSize := gateSize * vectors

	r, err := dma.NewRegion(uint(idtAddr), idtSize, true)

	if err != nil {
		panic(err)
	}

	addr, idt := r.Reserve(idtSize, 0)
	defer r.Release(addr)

	for i := start; i <= end; i++ {
		if i == vectors {
			break
		}

		off := irqHandlerAddr + uintptr(i*callSize)
		// set ISR to irqHandler.abi0 + vector offset
		desc.SetOffset(off)
		copy(idt[i*gateSize:], desc.Bytes())
	}
}

// EnableInterrupts unmasks external interrupts and the local APIC on the
// calling CPU.
func (cpu *CPU) EnableInterrupts() {
	cpu.LAPIC.Enable()
	cpu.apicEnabled = true
	irq_enable()
}

// APICEnabled reports whether EnableInterrupts has run on this CPU.
func (cpu *CPU) APICEnabled() bool {
	return cpu.apicEnabled
}

// DisableInterrupts masks external interrupts on the calling CPU.
func (cpu *CPU) DisableInterrupts() {
	irq_disable()
}

// RFLAGS.IF, the interrupt-enable flag.
const flagsIF = 1 << 9

// PushCLI disables interrupts on the calling CPU and returns the previous
// interrupt-enable state, for the save/restore spinlock discipline every
// shared structure in the core uses (a handler that takes a lock must not
// unconditionally re-enable interrupts on release if it was already
// running with interrupts disabled).
func (cpu *CPU) PushCLI() (wasEnabled bool) {
	wasEnabled = read_flags()&flagsIF != 0
	irq_disable()
	return
}

// PopCLI restores the interrupt-enable state returned by a matching
// PushCLI.
func (cpu *CPU) PopCLI(wasEnabled bool) {
	if wasEnabled {
		irq_enable()
	}
}
