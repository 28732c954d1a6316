// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipi is the inter-processor interrupt substrate: send-to-one and
// send-to-all-others primitives over physical CPU IDs, and the registry of
// reserved vectors (PING, PONG, scheduler-kick, TLB-shootdown,
// counter-stress, timer-init) each core component installs a handler for.
//
// Handlers registered here run with interrupts disabled, directly on the
// interrupt trampoline's calling context (see amd64.VectorHandler); they
// must never block, must issue EOI before returning, and must only use
// atomic operations or the package's IRQ-save spinlocks.
package ipi

import (
	"sync/atomic"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/hw"
	"github.com/smpkernel/core/soc/intel/apic"
)

// Reserved vector numbers, the top seven entries of the
// interrupt-descriptor table. RegisterVector checks vectors against the
// same [apic.MinVector, apic.MaxVector] range the IOAPIC driver accepts for
// device-IRQ redirection targets; neither check excludes these reserved
// vectors, so nothing here stops a device IRQ from being routed to one.
const (
	VectorTick          = apic.MaxVector - 6
	VectorPing          = apic.MaxVector - 5
	VectorPong          = apic.MaxVector - 4
	VectorSchedulerKick = apic.MaxVector - 3
	VectorTLBShootdown  = apic.MaxVector - 2
	VectorCounterStress = apic.MaxVector - 1
	VectorTimerInit     = apic.MaxVector
)

// Handler is a reserved-vector handler. sys is the calling CPU's IPI
// system; handlers read cputable/hw state through it rather than closing
// over package-level globals, so the same handler function works
// identically on every CPU.
type Handler func(sys *System)

// System is the IPI substrate instance: a hw.CPU, the cputable.Table and
// the vector registry. The kernel facade builds a single System and shares
// it across all CPUs.
type System struct {
	CPU   hw.CPU
	Table *cputable.Table

	// BSPPhysicalID is the physical ID PING replies its PONG to.
	BSPPhysicalID uint32

	handlers [256]Handler

	// PongReceived is the global pong-received counter (shared across
	// all System instances that are given the same pointer at
	// construction, matching the process-wide nature of the counter in
	// spec.md §4.3).
	PongReceived *Counter
}

// Counter is a simple atomic increment-only counter, used for the few
// process-wide (not per-CPU) counters the IPI handlers maintain.
type Counter struct {
	n atomic.Uint64
}

// Add increments the counter.
func (c *Counter) Add(delta uint64) { c.n.Add(delta) }

// Load reads the current value.
func (c *Counter) Load() uint64 { return c.n.Load() }

// New constructs a System that sends and acknowledges through cpu. It installs the default
// reserved-vector handlers (PING, PONG, scheduler-kick); callers add
// TLB-shootdown, counter-stress and timer-init handlers separately since
// those are owned by the tlb package, test harnesses, and the tick
// package respectively.
func New(cpu hw.CPU, table *cputable.Table, bspPhysicalID uint32, pongReceived *Counter) *System {
	s := &System{
		CPU:           cpu,
		Table:         table,
		BSPPhysicalID: bspPhysicalID,
		PongReceived:  pongReceived,
	}

	s.RegisterVector(VectorPing, handlePing)
	s.RegisterVector(VectorPong, handlePong)
	s.RegisterVector(VectorSchedulerKick, handleSchedulerKick)

	return s
}

// RegisterVector binds handler to vec. vec must fall within
// [apic.MinVector, apic.MaxVector]; it is not limited to the reserved
// vectors above. Registering an already-bound vector is an invariant violation
// (the vector table is immutable after boot) and panics.
func (s *System) RegisterVector(vec int, handler Handler) {
	if vec < apic.MinVector || vec > apic.MaxVector {
		panic("ipi: vector out of reserved range")
	}

	if s.handlers[vec] != nil {
		panic("ipi: duplicate vector registration")
	}

	s.handlers[vec] = handler
}

// Dispatch is the entry point amd64.VectorHandler is wired to: it looks up
// the handler for vector and calls it, or issues a bare EOI if nothing is
// registered (an in-range-but-unused reserved vector, or a spurious
// interrupt).
func (s *System) Dispatch(vector int) {
	if h := s.handlers[vector]; h != nil {
		h(s)
		return
	}

	s.CPU.EOI()
}

// SendTo sends vec to the CPU owning physicalID. It returns false if the
// target is not online or the hardware send could not be serialised within
// a bounded spin; it never sends to an unknown/offline target.
func (s *System) SendTo(physicalID uint32, vec int) bool {
	if !s.Table.IsOnline(physicalID) {
		return false
	}

	return s.CPU.SendTo(physicalID, vec)
}

// SendToAllOthers sends vec to every other online CPU via the hardware
// "all excluding self" destination shorthand. With no online peers this
// still succeeds (the local send completes immediately) and no IPI
// reaches any CPU.
func (s *System) SendToAllOthers(vec int) bool {
	return s.CPU.SendToAllOthers(vec)
}

func handlePing(sys *System) {
	idx := sys.Table.CurrentLogicalIndex()
	sys.Table.Record(idx).PingCount.Add(1)
	sys.SendTo(sys.BSPPhysicalID, VectorPong)
	sys.CPU.EOI()
}

func handlePong(sys *System) {
	if sys.PongReceived != nil {
		sys.PongReceived.Add(1)
	}

	sys.CPU.EOI()
}

func handleSchedulerKick(sys *System) {
	idx := sys.Table.CurrentLogicalIndex()
	sys.Table.Record(idx).SchedKickCount.Add(1)
	sys.CPU.EOI()
}
