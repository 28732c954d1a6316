// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tick is the core-to-tick contract (spec.md §6): an external
// timer source advances a process-wide ticks counter at a fixed frequency
// and calls the scheduler's on_tick on every CPU. The core does not mandate
// the source; this package supplies the one concrete source the teacher
// already carries — the AMD64 TSC, calibrated via ACPI PM timer, CPUID, or
// KVM pvclock pairing (amd64/timer.go) — wired up as the "timer-init"
// reserved-vector target.
package tick

import (
	"sync/atomic"

	"github.com/smpkernel/core/amd64"
	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/ipi"
)

// OnTick is called once per tick, on the CPU the tick fires on.
type OnTick func(cpuIdx int)

// Source wraps a per-CPU amd64.CPU as a tick source: StartLocal arms the
// local-APIC timer in TSC-deadline mode (when available) for the
// configured period; the tick itself arrives as IRQ_WAKEUP and the
// scheduler's on_tick is invoked from there (wiring owned by the kernel
// facade, not this package, since that requires the vector dispatch
// table).
type Source struct {
	ticks  atomic.Uint64
	period int64 // nanoseconds
}

// New returns a tick source configured for the given period.
func New(periodNS int64) *Source {
	return &Source{period: periodNS}
}

// Ticks returns the process-wide ticks counter.
func (s *Source) Ticks() uint64 {
	return s.ticks.Load()
}

// Advance increments the ticks counter; called from the timer interrupt
// handler.
func (s *Source) Advance() {
	s.ticks.Add(1)
}

// Period returns this source's configured tick period in nanoseconds, for
// rearming the local timer after each tick.
func (s *Source) Period() int64 {
	return s.period
}

// StartLocal arms cpu's local timer for this source's period, reporting
// success via the TimerInitOK/TimerInitFailed counters on rec.
func (s *Source) StartLocal(cpu *amd64.CPU, rec *cputable.Record) bool {
	if !cpu.Features().TSCDeadline {
		rec.TimerInitFailed.Add(1)
		return false
	}

	now := cpu.GetTime()
	cpu.SetAlarm(now + s.period)
	rec.TimerInitOK.Add(1)

	return true
}

// RegisterHandler installs the timer-init reserved-vector handler on sys:
// it starts the calling CPU's own local timer at this source's configured
// period and reports success/failure through its own identity-table
// record.
func (s *Source) RegisterHandler(sys *ipi.System, cpu *amd64.CPU) {
	sys.RegisterVector(ipi.VectorTimerInit, func(sys *ipi.System) {
		idx := sys.Table.CurrentLogicalIndex()
		s.StartLocal(cpu, sys.Table.Record(idx))
		sys.CPU.EOI()
	})
}
