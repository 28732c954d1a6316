// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sched is the preemptive work-stealing scheduler: per-CPU FIFO run
// queues, cooperative yield, tick-driven preemption, push-balance on
// enqueue, and pull-based work-stealing when idle, with explicit CPU
// affinity for pinned work.
//
// Run queues are modelled as container/list FIFOs of *Task, the same
// intrusive-list idiom the teacher uses for its DMA free-block lists
// (dma/region.go); actual register-level context switching is an
// EXTERNAL COLLABORATOR concern (the memory subsystem and trap-frame
// layout own that) — this package owns exactly the queue/affinity/
// stealing discipline spec.md §4.5's operation table and invariants
// describe, and runs each task's entry function to completion when it is
// dequeued, the same run-to-completion model biscuit's per-CPU worker
// goroutines use.
package sched

import (
	"container/list"
	"sync/atomic"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/fpu"
	"github.com/smpkernel/core/internal/klog"
	"github.com/smpkernel/core/internal/spinlock"
	"github.com/smpkernel/core/ipi"
)

// AffinityAny marks a task as runnable on any CPU.
const AffinityAny = -1

// MaxQueueDepth bounds each per-CPU run queue; Schedule/ScheduleOn report
// out-of-memory (returning false) rather than growing it without bound.
const MaxQueueDepth = 4096

// Task is a kernel-thread-equivalent execution context.
type Task struct {
	Fn  func(arg any)
	Arg any

	// Affinity is a logical CPU index, or AffinityAny.
	Affinity int

	// Bookkeeping fields from the data model, set by callers that care
	// (the memory subsystem, and the kernel facade's #NM handler for
	// FPUState); the scheduler itself only reads Affinity.
	IP            uintptr
	PageTableRoot uint64
	Flags         uint64
	OwnerPID      int
	StackBase     uint64
	FPUState      *fpu.State

	inQueue bool
}

// queue is one CPU's run queue: an intrusive FIFO with its own lock.
type queue struct {
	lock         spinlock.Lock
	list         list.List
	preemptDepth int
	current      *Task
	reschedule   atomic.Bool
}

func (q *queue) depth() int {
	return q.list.Len()
}

// Scheduler is the per-process scheduler state: one queue per CPU slot
// plus the kernel-global push-balance/work-stealing toggles.
type Scheduler struct {
	table  *cputable.Table
	queues []*queue
	ipiSys []*ipi.System

	pushBalance  atomic.Bool
	workStealing atomic.Bool
}

// New returns a scheduler with one empty run queue per CPU slot, indexed
// by logical index. sys[i] is the ipi.System used to send a
// scheduler-kick IPI to CPU i; it may contain nil entries for CPUs not yet
// online.
func New(table *cputable.Table, sys []*ipi.System) *Scheduler {
	s := &Scheduler{
		table:  table,
		queues: make([]*queue, len(sys)),
		ipiSys: sys,
	}

	for i := range s.queues {
		s.queues[i] = &queue{}
	}

	return s
}

// SetPushBalance toggles push-balance. Reads are relaxed, writes are
// release-stored, matching spec.md §4.5.
func (s *Scheduler) SetPushBalance(enabled bool) { s.pushBalance.Store(enabled) }

// SetWorkStealing toggles work-stealing.
func (s *Scheduler) SetWorkStealing(enabled bool) { s.workStealing.Store(enabled) }

// enqueue appends t to cpuIdx's queue under its lock. It panics if t is
// already queued anywhere (InvariantViolation: a task appears in at most
// one run queue at a time) and returns false if the queue is at capacity
// (OutOfMemory).
func (s *Scheduler) enqueue(cpu irqSaver, cpuIdx int, t *Task) bool {
	q := s.queues[cpuIdx]

	wasEnabled := q.lock.Lock(cpu)
	defer q.lock.Unlock(cpu, wasEnabled)

	if t.inQueue {
		panic("sched: task enqueued twice")
	}

	if q.list.Len() >= MaxQueueDepth {
		return false
	}

	t.inQueue = true
	q.list.PushBack(t)

	return true
}

// irqSaver is the subset of hw.CPU the scheduler's locks need; declared
// locally so tests can supply a minimal fake without the whole hw.CPU
// surface.
type irqSaver interface {
	PushCLI() bool
	PopCLI(bool)
}

// Schedule enqueues fn/arg, unpinned, at the tail of callerIdx's local run
// queue. If push-balance is enabled and another online CPU's queue is
// shorter by at least 2, the task is enqueued there instead and a
// scheduler-kick IPI is sent to it. Returns false on out-of-memory.
func (s *Scheduler) Schedule(cpu irqSaver, callerIdx int, fn func(arg any), arg any) bool {
	t := &Task{Fn: fn, Arg: arg, Affinity: AffinityAny}

	target := callerIdx

	if s.pushBalance.Load() {
		if best, ok := s.leastLoadedOther(callerIdx); ok && s.queues[best].depth()+2 <= s.queues[callerIdx].depth() {
			target = best
		}
	}

	if !s.enqueue(cpu, target, t) {
		return false
	}

	if target != callerIdx {
		s.kick(target)
	}

	return true
}

// ScheduleOn enqueues fn/arg at the tail of cpuIdx's queue with
// affinity=cpuIdx, and sends it a scheduler-kick IPI. Fails without
// mutating any queue if cpuIdx is offline.
func (s *Scheduler) ScheduleOn(cpu irqSaver, cpuIdx int, fn func(arg any), arg any) bool {
	if cpuIdx < 0 || cpuIdx >= s.table.Count() || !s.table.Record(cpuIdx).Online() {
		return false
	}

	t := &Task{Fn: fn, Arg: arg, Affinity: cpuIdx}

	if !s.enqueue(cpu, cpuIdx, t) {
		return false
	}

	s.kick(cpuIdx)

	return true
}

func (s *Scheduler) kick(cpuIdx int) {
	sys := s.ipiSys[cpuIdx]

	if sys == nil {
		return
	}

	sys.SendTo(s.table.LookupPhysicalFromLogical(cpuIdx), ipi.VectorSchedulerKick)
}

// leastLoadedOther returns the online CPU (excluding exclude) with the
// smallest queue depth, breaking ties by smallest logical index.
func (s *Scheduler) leastLoadedOther(exclude int) (best int, ok bool) {
	bestDepth := -1

	s.table.Each(func(r *cputable.Record) {
		idx := r.LogicalIndex

		if idx == exclude || !r.Online() {
			return
		}

		d := s.queues[idx].depth()

		if !ok || d < bestDepth || (d == bestDepth && idx < best) {
			best, bestDepth, ok = idx, d, true
		}
	})

	return
}

// busiestOthers returns the online CPUs other than exclude, ordered from
// busiest to least busy (ties broken by smallest logical index), for the
// work-stealing scan.
func (s *Scheduler) busiestOthers(exclude int) []int {
	var idxs []int

	s.table.Each(func(r *cputable.Record) {
		if r.LogicalIndex != exclude && r.Online() {
			idxs = append(idxs, r.LogicalIndex)
		}
	})

	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0; j-- {
			a, b := idxs[j-1], idxs[j]
			da, db := s.queues[a].depth(), s.queues[b].depth()

			if db > da || (db == da && b < a) {
				idxs[j-1], idxs[j] = idxs[j], idxs[j-1]
			} else {
				break
			}
		}
	}

	return idxs
}

// steal attempts to pull one task from the busiest eligible remote queue
// for stealerIdx, honouring affinity (only AffinityAny or
// Affinity==stealerIdx head tasks are eligible, and only the head is ever
// inspected per victim).
func (s *Scheduler) steal(cpu irqSaver, stealerIdx int) *Task {
	for _, victimIdx := range s.busiestOthers(stealerIdx) {
		q := s.queues[victimIdx]

		wasEnabled := q.lock.Lock(cpu)
		front := q.list.Front()

		if front == nil {
			q.lock.Unlock(cpu, wasEnabled)
			continue
		}

		t := front.Value.(*Task)

		if t.Affinity != AffinityAny && t.Affinity != stealerIdx {
			q.lock.Unlock(cpu, wasEnabled)
			continue
		}

		q.list.Remove(front)
		t.inQueue = false
		q.lock.Unlock(cpu, wasEnabled)

		return t
	}

	return nil
}

// popLocal pops the head task from cpuIdx's own queue, or nil if empty.
func (s *Scheduler) popLocal(cpu irqSaver, cpuIdx int) *Task {
	q := s.queues[cpuIdx]

	wasEnabled := q.lock.Lock(cpu)
	defer q.lock.Unlock(cpu, wasEnabled)

	front := q.list.Front()

	if front == nil {
		return nil
	}

	t := front.Value.(*Task)
	q.list.Remove(front)
	t.inQueue = false

	return t
}

// exitCurrentTask is the sentinel ExitCurrentTask panics with to unwind a
// running task's call stack without treating it as a kernel fault.
type exitCurrentTask struct{}

// ExitCurrentTask unwinds the calling task's own stack back to the
// scheduler's run loop, ending it early. Any other panic propagates as a
// genuine kernel fault (trap-frame dump, CPU halt), so this must only ever
// be used for a task's own deliberate early exit.
func ExitCurrentTask() {
	panic(exitCurrentTask{})
}

// run executes a task to completion as the "current" task on cpuIdx.
// ExitCurrentTask unwinds cleanly here; any other panic re-propagates so
// the caller's own fault handling (trap-frame dump, CPU halt) still fires.
func (s *Scheduler) run(cpuIdx int, t *Task) {
	q := s.queues[cpuIdx]
	q.current = t

	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(exitCurrentTask); !ok {
					panic(r)
				}
			}
		}()

		t.Fn(t.Arg)
	}()

	q.current = nil
}

// Yield saves nothing (run-to-completion model: there is no suspended
// continuation to resume), picks the next runnable task from the local
// queue, and runs it. If the local queue is empty and work-stealing is
// enabled, it attempts to steal one task from the busiest eligible remote
// queue; otherwise it halts until the next interrupt.
func (s *Scheduler) Yield(cpu interface {
	irqSaver
	Halt()
}, cpuIdx int) {
	if t := s.popLocal(cpu, cpuIdx); t != nil {
		s.run(cpuIdx, t)
		return
	}

	if s.workStealing.Load() {
		if t := s.steal(cpu, cpuIdx); t != nil {
			s.run(cpuIdx, t)
			return
		}
	}

	cpu.Halt()
}

// RunNextWork pops and executes one task from cpuIdx's local queue; it
// returns false if the queue was empty. Used by explicit drain loops
// (e.g. the idle loop checking for local work before halting).
func (s *Scheduler) RunNextWork(cpu irqSaver, cpuIdx int) bool {
	t := s.popLocal(cpu, cpuIdx)

	if t == nil {
		return false
	}

	s.run(cpuIdx, t)

	return true
}

// PreemptDisable increments cpuIdx's nestable preempt-disable depth.
func (s *Scheduler) PreemptDisable(cpuIdx int) {
	s.queues[cpuIdx].preemptDepth++
}

// PreemptEnable decrements cpuIdx's preempt-disable depth.
func (s *Scheduler) PreemptEnable(cpuIdx int) {
	if s.queues[cpuIdx].preemptDepth == 0 {
		klog.Warnf("sched: preempt_enable with zero depth on cpu %d", cpuIdx)
		return
	}

	s.queues[cpuIdx].preemptDepth--
}

// PreemptDepth returns cpuIdx's current preempt-disable depth.
func (s *Scheduler) PreemptDepth(cpuIdx int) int {
	return s.queues[cpuIdx].preemptDepth
}

// OnTick is called from the timer interrupt handler. If cpuIdx's
// preempt-depth is zero, it signals that a reschedule should happen on
// return from interrupt; ReschedulePending consumes that signal.
func (s *Scheduler) OnTick(cpuIdx int) {
	if s.queues[cpuIdx].preemptDepth == 0 {
		s.queues[cpuIdx].reschedule.Store(true)
	}
}

// ReschedulePending reports and clears cpuIdx's pending-reschedule signal;
// the return-from-interrupt path calls this and, if true, calls Yield.
func (s *Scheduler) ReschedulePending(cpuIdx int) bool {
	return s.queues[cpuIdx].reschedule.Swap(false)
}

// RunqueueDepthCPU returns a snapshot of cpuIdx's queue depth.
func (s *Scheduler) RunqueueDepthCPU(cpuIdx int) int {
	return s.queues[cpuIdx].depth()
}

// RunqueueDepthTotal returns a snapshot of the sum of every queue's depth.
func (s *Scheduler) RunqueueDepthTotal() int {
	total := 0

	for _, q := range s.queues {
		total += q.depth()
	}

	return total
}

// Current returns the task currently running on cpuIdx, or nil.
func (s *Scheduler) Current(cpuIdx int) *Task {
	return s.queues[cpuIdx].current
}
