// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hw is the thin "hardware ops" interface the core's components
// (the IPI substrate, the TLB shootdown engine, the lazy-FPU manager) are
// built against instead of calling amd64/lapic directly. Inline assembly
// (cpuid, rdmsr/wrmsr, xsave/xrstor, invlpg, cr3, hlt, EOI, pause) stays
// isolated behind amd64's thin wrappers, exactly as the teacher isolates
// it per-architecture; this interface exists so the logic built on top of
// those wrappers (generation counters, acknowledgement tracking, ownership
// transitions) can be unit-tested against a fake instead of real silicon.
package hw

// CPU is the hardware surface consumed by the core's upper layers. amd64.CPU
// (see the amd64 adapter in this package) is the only production
// implementation; tests substitute a fake.
type CPU interface {
	// PhysicalID returns the calling CPU's interrupt-controller
	// identifier, read fresh from the local controller (never cached).
	PhysicalID() uint32

	// SendTo issues a fixed-delivery IPI carrying vector to the given
	// physical ID and returns false if delivery could not be serialised
	// within a bounded spin (the local controller is disabled, or the
	// ICR send didn't clear in time).
	SendTo(physicalID uint32, vector int) bool

	// SendToAllOthers issues a fixed-delivery IPI carrying vector to
	// every other CPU in the "all excluding self" destination shorthand.
	SendToAllOthers(vector int) bool

	// EOI signals end-of-interrupt to the local controller.
	EOI()

	// Halt suspends the calling CPU until the next interrupt.
	Halt()

	// Pause executes the architectural spin-wait hint.
	Pause()

	// PushCLI disables interrupts and returns the prior enabled state;
	// PopCLI restores it. Used for the IRQ-save spinlock discipline.
	PushCLI() bool
	PopCLI(wasEnabled bool)

	// Invlpg invalidates the single-page TLB entry for addr on the
	// calling CPU.
	Invlpg(addr uint64)

	// FlushTLB invalidates every non-global TLB entry on the calling
	// CPU.
	FlushTLB()

	// XSave and XRestore save/restore the extended FPU/SSE/AVX state
	// into/from buf (XSaveAreaSize() bytes, 64-byte aligned).
	XSave(buf []byte)
	XRestore(buf []byte)
	// XSaveAreaSize returns the size in bytes of the buffer XSave and
	// XRestore require.
	XSaveAreaSize() int

	// SetTaskSwitched and ClearTaskSwitched set/clear CR0.TS, the bit
	// that makes the next FPU/SSE/AVX instruction trap into #NM.
	SetTaskSwitched()
	ClearTaskSwitched()

	// EnableFPUReinit re-runs FPU/SSE/AVX feature enablement, the
	// best-effort recovery the lazy-FPU manager falls back to when it
	// cannot allocate a save area.
	EnableFPUReinit()
}
