// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kernel is the facade that wires the CPU identity table, the IPI
// substrate, the TLB shootdown engine, the lazy-FPU manager, the RCU
// engine, the scheduler and the tick source into one running core, and
// exposes the core-to-syscall contract (schedule, schedule_on, yield,
// exit_current_task, current_cpu_info, runqueue_depths, rcu_synchronize,
// rcu_stats, tlb_shootdown_page, tlb_shootdown_all) the surrounding
// syscall dispatch table consumes.
//
// All CPUs execute the same boot image against the same local-APIC MMIO
// window (the hardware banks that access per-core), so the core's
// substrate objects are singletons shared by every logical CPU rather
// than one instance per core; only the per-CPU *arrays* inside them
// (cputable.Record, sched's run queues, rcu's per-CPU depths) are
// actually indexed by logical CPU.
package kernel

import (
	"github.com/smpkernel/core/amd64"
	"github.com/smpkernel/core/bringup"
	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/fpu"
	"github.com/smpkernel/core/hw"
	"github.com/smpkernel/core/ipi"
	"github.com/smpkernel/core/rcu"
	"github.com/smpkernel/core/sched"
	"github.com/smpkernel/core/tick"
	"github.com/smpkernel/core/tlb"
)

// TickPeriodNS is the default scheduler tick period (10ms), used unless
// Config.TickPeriodNS overrides it.
const TickPeriodNS = 10_000_000

// Config parameterises New. NCPUs bounds how many logical CPU slots the
// per-CPU arrays are sized for; it must be at least the number of CPUs
// that will ever be registered.
type Config struct {
	NCPUs        int
	TickPeriodNS int64
}

// Core is the assembled kernel core.
type Core struct {
	cpu *amd64.CPU
	hw  hw.CPU

	Table *cputable.Table
	IPI   *ipi.System
	TLB   *tlb.Engine
	FPU   *fpu.Manager
	RCU   *rcu.Engine
	Sched *sched.Scheduler
	Tick  *tick.Source
}

// New assembles a Core around the calling (bootstrap) CPU. It registers
// and marks online logical index 0 for the BSP, wires amd64.VectorHandler
// to the IPI substrate's reserved-vector dispatch, and installs the #NM
// exception handler against the FPU manager.
func New(cpu *amd64.CPU, cfg Config) *Core {
	if cfg.NCPUs <= 0 {
		cfg.NCPUs = 1
	}

	if cfg.TickPeriodNS == 0 {
		cfg.TickPeriodNS = TickPeriodNS
	}

	h := &hw.AMD64{CPU: cpu}

	table := cputable.New(h.PhysicalID)

	bspPhysicalID := h.PhysicalID()
	table.RegisterCPU(0, bspPhysicalID)
	table.MarkOnline(0, bspPhysicalID)

	pong := &ipi.Counter{}
	sys := ipi.New(h, table, bspPhysicalID, pong)

	tlbEngine := tlb.New()
	tlbEngine.RegisterHandler(sys)

	fpuMgr := fpu.New(h, cpu.Features().SSE, cpu.Features().AVX, cfg.NCPUs)

	sysPerCPU := make([]*ipi.System, cfg.NCPUs)
	for i := range sysPerCPU {
		sysPerCPU[i] = sys
	}

	scheduler := sched.New(table, sysPerCPU)

	// rcu's read_lock/read_unlock gate tick-driven preemption through the
	// scheduler's own preempt-disable counter (spec.md §3 defines exactly
	// one such counter, as per-CPU scheduler state), so it is constructed
	// after the scheduler and holds a reference to it rather than keeping
	// its own.
	rcuEngine := rcu.New(table, scheduler, cfg.NCPUs)

	tickSrc := tick.New(cfg.TickPeriodNS)
	tickSrc.RegisterHandler(sys, cpu)

	amd64.IRQ_WAKEUP = ipi.VectorTick

	c := &Core{
		cpu:   cpu,
		hw:    h,
		Table: table,
		IPI:   sys,
		TLB:   tlbEngine,
		FPU:   fpuMgr,
		RCU:   rcuEngine,
		Sched: scheduler,
		Tick:  tickSrc,
	}

	sys.RegisterVector(ipi.VectorTick, c.handleTick)

	amd64.VectorHandler = sys.Dispatch
	amd64.SystemExceptionHandler = c.handleException

	return c
}

// handleTick is the reserved-vector handler for the periodic local-APIC
// timer interrupt: it advances the tick counter, runs the scheduler's
// tick-driven preemption check, and rearms the timer for the next period.
func (c *Core) handleTick(sys *ipi.System) {
	c.Tick.Advance()

	idx := c.Table.CurrentLogicalIndex()
	c.Sched.OnTick(idx)

	c.cpu.SetAlarm(c.cpu.GetTime() + c.Tick.Period())

	sys.CPU.EOI()
}

// handleException is installed as amd64.SystemExceptionHandler. Every
// exception other than #NM falls through to the default handler (vector
// number and faulting file:line, then panic); #NM is the lazy-FPU
// manager's own fault path, and allocates the current task's save area on
// its first #NM.
func (c *Core) handleException() {
	if amd64.CurrentVectorNumber() != amd64.VectorNM {
		amd64.DefaultExceptionHandler()
		return
	}

	idx := c.Table.CurrentLogicalIndex()
	cur := c.Sched.Current(idx)

	var owner fpu.Owner
	var state *fpu.State

	if cur != nil {
		if cur.FPUState == nil {
			cur.FPUState = c.FPU.NewState()
		}

		owner = cur
		state = cur.FPUState
	}

	c.FPU.HandleNM(c.hw, idx, owner, state)
}

// BringUpAPs drives the BSP-side AP bring-up protocol for every target in
// order, skipping to the next target (without marking the failed one
// online) on a bring-up timeout, per spec.md §4.2 step 4. It returns the
// number of targets that came online.
func (c *Core) BringUpAPs(bsp *bringup.BSP, targets []bringup.Target) int {
	online := 0

	for _, target := range targets {
		if bsp.Bring(c.hw, target) {
			online++
		}
	}

	return online
}

// Schedule is the schedule syscall: enqueue fn/arg unpinned on the calling
// CPU, push-balanced to a less-loaded peer if enabled.
func (c *Core) Schedule(fn func(arg any), arg any) bool {
	return c.Sched.Schedule(c.hw, c.Table.CurrentLogicalIndex(), fn, arg)
}

// ScheduleOn is the schedule_on syscall: enqueue fn/arg pinned to cpuIdx.
func (c *Core) ScheduleOn(cpuIdx int, fn func(arg any), arg any) bool {
	return c.Sched.ScheduleOn(c.hw, cpuIdx, fn, arg)
}

// Yield is the yield syscall.
func (c *Core) Yield() {
	c.Sched.Yield(c.hw, c.Table.CurrentLogicalIndex())
}

// ExitCurrentTask is the exit_current_task syscall.
func (c *Core) ExitCurrentTask() {
	sched.ExitCurrentTask()
}

// CPUInfo is the current_cpu_info syscall's return value.
type CPUInfo struct {
	LogicalIndex int
	PhysicalID   uint32
	Online       bool
}

// CurrentCPUInfo is the current_cpu_info syscall.
func (c *Core) CurrentCPUInfo() CPUInfo {
	idx := c.Table.CurrentLogicalIndex()

	return CPUInfo{
		LogicalIndex: idx,
		PhysicalID:   c.Table.LookupPhysicalFromLogical(idx),
		Online:       c.Table.Record(idx).Online(),
	}
}

// RunqueueDepths is the runqueue_depths syscall: per-CPU depths (indexed
// by logical index, length Table.Count()) plus the total.
func (c *Core) RunqueueDepths() (perCPU []int, total int) {
	n := c.Table.Count()
	perCPU = make([]int, n)

	for i := 0; i < n; i++ {
		perCPU[i] = c.Sched.RunqueueDepthCPU(i)
	}

	return perCPU, c.Sched.RunqueueDepthTotal()
}

// RCUReadLock enters an RCU read section on the calling CPU.
func (c *Core) RCUReadLock() {
	c.RCU.ReadLock(c.Table.CurrentLogicalIndex())
}

// RCUReadUnlock leaves the calling CPU's current RCU read section.
func (c *Core) RCUReadUnlock() {
	c.RCU.ReadUnlock(c.hw, c.Table.CurrentLogicalIndex())
}

// RCUCall defers fn(ctx) until the current grace period elapses.
func (c *Core) RCUCall(fn func(ctx any), ctx any) {
	c.RCU.Call(c.hw, c.Table.CurrentLogicalIndex(), fn, ctx)
}

// RCUSynchronize is the rcu_synchronize syscall.
func (c *Core) RCUSynchronize() bool {
	return c.RCU.Synchronize(c.hw, c.Table.CurrentLogicalIndex())
}

// RCUStats is the rcu_stats syscall's return value.
type RCUStats struct {
	GPSeq        uint64
	PendingCount int
}

// RCUStatsSnapshot is the rcu_stats syscall.
func (c *Core) RCUStatsSnapshot() RCUStats {
	return RCUStats{GPSeq: c.RCU.GPSeq(), PendingCount: c.RCU.PendingCount()}
}

// TLBShootdownPage is the tlb_shootdown_page syscall.
func (c *Core) TLBShootdownPage(virt uint64) bool {
	return c.TLB.ShootdownPage(c.IPI, virt)
}

// TLBShootdownAll is the tlb_shootdown_all syscall.
func (c *Core) TLBShootdownAll() bool {
	return c.TLB.ShootdownAll(c.IPI)
}
