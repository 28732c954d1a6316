// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bringup is the AP Bring-Up Protocol (spec.md §4.2): the BSP-side
// state machine that takes an application processor from firmware-reset
// state to fully online, parameterised by a single fixed-address handoff
// record shared with the 16-bit real-mode trampoline.
//
// The INIT-SIPI-SIPI mechanics and the AP GDT/GDTR construction are the
// teacher's own (amd64/smp.go): what changes is the handoff contract. The
// teacher hands an AP a Go scheduler task (sp/mp/gp/pc) recovered through
// the GOOS=tamago runtime hooks; this package hands an AP a fixed-layout
// physical record it reads once for its own (logical_index, physical_id,
// stack_top, entry64, page_table_root, arg) and a ready flag it publishes
// when done — independent of any particular language runtime's scheduler.
package bringup

import (
	"time"

	"github.com/smpkernel/core/amd64"
	"github.com/smpkernel/core/amd64/lapic"
	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/internal/klog"
	"github.com/smpkernel/core/internal/reg"
	"github.com/smpkernel/core/internal/spinwait"
)

// RecordMagic is the cookie Fill writes at the start of the handoff record
// and ValidMagic compares against. APInit.Run does not check it.
const RecordMagic = 0x50425041 // "APBP"

// Byte offsets within the fixed-address handoff record, per spec.md §6.
const (
	offMagic         = 0
	offPageTableRoot = 8
	offStackTop      = 16
	offEntry64       = 24
	offArg           = 32
	offPhysicalID    = 40
	offLogicalIndex  = 44
	offReady         = 48

	// RecordSize is the full padded size of the handoff record.
	RecordSize = 56
)

// pollBudget bounds the BSP's wait for an AP to publish ready=1 and go
// online; this is spec.md §4.2 step 4's "bounded iteration count".
const pollBudget = 2_000_000

// Record is the fixed-address, physically-contiguous handoff record shared
// with the 16-bit trampoline. The BSP writes it before INIT-SIPI-SIPI; the
// AP reads it once and sets Ready when fully online; the BSP observes
// Ready and then the record is reused for the next AP.
type Record struct {
	base uint32
}

// NewRecord returns a handoff record view over the fixed physical address
// base. base must be reachable by both 64-bit paging and the 16-bit
// trampoline's addressing.
func NewRecord(base uint32) *Record {
	return &Record{base: base}
}

// Reset zeroes the record, including the ready flag, ready for the next AP.
func (r *Record) Reset() {
	for off := uint32(0); off < RecordSize; off += 8 {
		reg.Write64(uint64(r.base+off), 0)
	}
}

// Fill populates the record for one AP's handoff and leaves Ready clear.
func (r *Record) Fill(pageTableRoot, stackTop, entry64, arg uint64, physicalID uint32, logicalIndex int) {
	reg.Write64(uint64(r.base+offMagic), RecordMagic)
	reg.Write64(uint64(r.base+offPageTableRoot), pageTableRoot)
	reg.Write64(uint64(r.base+offStackTop), stackTop)
	reg.Write64(uint64(r.base+offEntry64), entry64)
	reg.Write64(uint64(r.base+offArg), arg)
	reg.Write(r.base+offPhysicalID, physicalID)
	reg.Write(r.base+offLogicalIndex, uint32(logicalIndex))
	reg.Write(r.base+offReady, 0)
}

// ValidMagic reports whether the record currently holds the expected
// cookie.
func (r *Record) ValidMagic() bool {
	return reg.Read64(uint64(r.base+offMagic)) == RecordMagic
}

// PageTableRoot returns the page-table root the AP should load.
func (r *Record) PageTableRoot() uint64 { return reg.Read64(uint64(r.base + offPageTableRoot)) }

// StackTop returns the kernel-stack top handed to this AP.
func (r *Record) StackTop() uint64 { return reg.Read64(uint64(r.base + offStackTop)) }

// Entry64 returns the shared 64-bit entry address.
func (r *Record) Entry64() uint64 { return reg.Read64(uint64(r.base + offEntry64)) }

// Arg returns the opaque argument handed to the entry point.
func (r *Record) Arg() uint64 { return reg.Read64(uint64(r.base + offArg)) }

// PhysicalID returns the target physical (APIC) ID the BSP addressed.
func (r *Record) PhysicalID() uint32 { return reg.Read(r.base + offPhysicalID) }

// LogicalIndex returns the target logical index the BSP assigned.
func (r *Record) LogicalIndex() int { return int(reg.Read(r.base + offLogicalIndex)) }

// Ready reports whether the AP has published ready=1.
func (r *Record) Ready() bool { return reg.Read(r.base+offReady)&0xff != 0 }

// SetReady publishes ready=1. Called by the AP once it has finished
// bring-up and is about to enter the idle loop.
func (r *Record) SetReady() { reg.Write(r.base+offReady, 1) }

// Target describes one AP the BSP is bringing up.
type Target struct {
	PhysicalID   uint32
	LogicalIndex int
	StackTop     uint64
}

// IPISender is the subset of *lapic.LAPIC's interface BSP needs to issue
// INIT-SIPI-SIPI, narrowed to an interface so the bring-up state machine
// can be exercised against a fake in tests without real APIC hardware.
type IPISender interface {
	IPI(apicid int, id int, flags int)
}

// BSP is the bring-up-side driver: it owns the handoff record, the
// trampoline page addresses, and the BSP's own LAPIC for issuing
// INIT-SIPI-SIPI and polling for completion.
type BSP struct {
	LAPIC          IPISender
	Record         *Record
	Table          *cputable.Table
	TrampolinePage uint32 // physical page the 16-bit stub was relocated to
	PageTableRoot  uint64
	Entry64        uint64
	Arg            uint64
	InterSIPIDelay time.Duration
}

// Relocate copies the 16-bit trampoline to its fixed low page once, before
// any AP is started. The relocation itself (amd64.RelocateAPTrampoline) is
// asm-backed and fixed at amd64.APInitAddress; BSP.TrampolinePage is
// expected to match that address — it stays a BSP field, rather than a
// bare call to the amd64 constant, so bring-up tests can drive the
// vector-derivation arithmetic below against an arbitrary page.
func (b *BSP) Relocate() {
	amd64.RelocateAPTrampoline()
	amd64.BuildAPGDT()
}

// Bring brings up one AP: INIT-SIPI-SIPI, then a bounded poll for
// handoff.ready && identity_table.is_online(physical_id). On timeout it
// logs and returns false without marking the CPU online; the caller moves
// on to the next target per spec.md §4.2 step 4.
func (b *BSP) Bring(pause pauser, target Target) bool {
	b.Record.Reset()
	b.Table.RegisterCPU(target.LogicalIndex, target.PhysicalID)
	b.Record.Fill(b.PageTableRoot, target.StackTop, b.Entry64, b.Arg, target.PhysicalID, target.LogicalIndex)

	vector := int(b.TrampolinePage >> 12)
	apicid := int(target.PhysicalID)

	b.LAPIC.IPI(apicid, vector, 1<<lapic.ICR_INIT|lapic.ICR_DLV_INIT)
	time.Sleep(b.interSIPIDelay())

	b.LAPIC.IPI(apicid, vector, 1<<lapic.ICR_INIT|lapic.ICR_DLV_SIPI)
	time.Sleep(b.interSIPIDelay())

	b.LAPIC.IPI(apicid, vector, 1<<lapic.ICR_INIT|lapic.ICR_DLV_SIPI)

	ok := spinwait.Until(pollBudget, pause, func() bool {
		return b.Record.Ready() && b.Table.IsOnline(target.PhysicalID)
	})

	if !ok {
		klog.Warnf("bringup: cpu %d (physical %d) did not come online in time", target.LogicalIndex, target.PhysicalID)
	}

	return ok
}

func (b *BSP) interSIPIDelay() time.Duration {
	if b.InterSIPIDelay == 0 {
		return 10 * time.Millisecond
	}

	return b.InterSIPIDelay
}

// pauser is the minimal interface spinwait.Until needs between polls.
type pauser interface {
	Pause()
}

// APInit performs the AP-side half of the protocol (spec.md §4.2, second
// paragraph): disable interrupts, load GDT/IDT, enable NX, read identity
// and stack top from the handoff record, bring FPU state up (fail-soft),
// enable the local interrupt controller and clear any pending startup
// condition, let the caller install scheduler/syscall state, re-read the
// authoritative physical ID from the local controller, mark online,
// publish ready, re-enable interrupts.
//
// Steps that are architecture primitives the teacher already owns
// (disable/enable interrupts, GDT/IDT load, NX enable) are supplied by the
// caller as hooks so this package stays free of direct asm/register
// access; APInit only sequences them in the order the protocol requires.
type APInit struct {
	DisableInterrupts func()
	LoadGDTAndIDT     func()
	EnableNX          func()
	InitFPU           func() bool
	EnableLAPIC       func()
	ClearInterrupt    func()
	LocalPhysicalID   func() uint32
	InstallScheduler  func(logicalIndex int, stackTop uint64)
	InstallSyscall    func()
	MarkOnline        func(logicalIndex int, physicalID uint32)
	EnableInterrupts  func()
}

// Run executes the AP-side sequence against record, returning the logical
// index this AP was assigned. FPU-init failure is fail-soft: the AP
// continues bring-up and parks in the idle loop rather than aborting, per
// spec.md §4.2.
func (a *APInit) Run(record *Record) int {
	a.DisableInterrupts()
	a.LoadGDTAndIDT()
	a.EnableNX()

	logicalIndex := record.LogicalIndex()
	stackTop := record.StackTop()

	if !a.InitFPU() {
		klog.Warnf("bringup: cpu %d FPU init failed, continuing fail-soft", logicalIndex)
	}

	a.EnableLAPIC()
	a.ClearInterrupt()

	a.InstallScheduler(logicalIndex, stackTop)
	a.InstallSyscall()

	// The record's physical_id was the BSP's assumption at dispatch time;
	// spec.md §4.2 requires the authoritative value to come from the
	// local controller itself, so it is re-read here and handed to
	// mark_online rather than trusted from the handoff record.
	physicalID := a.LocalPhysicalID()

	a.MarkOnline(logicalIndex, physicalID)
	record.SetReady()

	a.EnableInterrupts()

	return logicalIndex
}
