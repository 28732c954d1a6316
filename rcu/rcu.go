// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package rcu is the grace-period engine for deferred reclamation:
// monotonically increasing sequence numbers, per-CPU read depth, and a
// FIFO slice of pending callbacks each tagged with the generation
// after which they may fire.
package rcu

import (
	"sync/atomic"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/hw"
	"github.com/smpkernel/core/internal/klog"
	"github.com/smpkernel/core/internal/spinlock"
	"github.com/smpkernel/core/internal/spinwait"
	"github.com/smpkernel/core/sched"
)

// synchronizeBudget bounds synchronize()'s spin before it reports the
// liveness-bound timeout described in spec.md §4.7/§7.
const synchronizeBudget = 1_000_000

// Callback is a deferred reclamation function paired with its argument,
// matching the teacher's plain-func-plus-context idiom rather than a
// closure-captured one, so the pending list can be expressed as a flat
// slice of value types.
type Callback struct {
	Fn     func(ctx any)
	Ctx    any
	target uint64
}

// perCPU tracks one CPU's RCU-relevant state: its own nestable read-section
// depth (owner-mutated only), and the highest grace-period target it has
// acknowledged (release-stored by the owner, acquire-loaded by the writer
// advancing gp_seq). Preempt-disable depth is NOT duplicated here: spec.md
// §3 defines exactly one preempt-disable depth, as part of per-CPU
// scheduler state, and both read_lock/read_unlock here and on_tick in
// [sched.Scheduler] must observe the same counter — so this engine holds a
// reference to the scheduler and calls through to it instead of keeping its
// own.
type perCPU struct {
	readDepth int
	seenGP    atomic.Uint64
}

// Engine is the process-wide RCU state.
type Engine struct {
	lock spinlock.Lock

	gpSeq    atomic.Uint64
	gpTarget atomic.Uint64

	table *cputable.Table
	sched *sched.Scheduler
	cpus  []perCPU

	pending []Callback
}

// New returns an idle engine for the given CPU identity table, sized for
// nCPUs per-CPU records. scheduler is the single owner of the
// preempt-disable counter read_lock/read_unlock gate on.
func New(table *cputable.Table, scheduler *sched.Scheduler, nCPUs int) *Engine {
	return &Engine{
		table: table,
		sched: scheduler,
		cpus:  make([]perCPU, nCPUs),
	}
}

// ReadLock increments the local read-depth and disables tick-driven
// preemption on the local CPU via the scheduler's shared preempt-disable
// counter.
func (e *Engine) ReadLock(cpuIdx int) {
	e.cpus[cpuIdx].readDepth++
	e.sched.PreemptDisable(cpuIdx)
}

// ReadUnlock reverses ReadLock, then reports the local CPU's quiescent
// state if it has become quiescent.
func (e *Engine) ReadUnlock(cpu hw.CPU, cpuIdx int) {
	e.cpus[cpuIdx].readDepth--
	e.sched.PreemptEnable(cpuIdx)

	e.reportQuiescent(cpu, cpuIdx)
}

func (e *Engine) quiescent(cpuIdx int) bool {
	return e.cpus[cpuIdx].readDepth == 0 && e.sched.PreemptDepth(cpuIdx) == 0
}

// reportQuiescent publishes seen_gp for cpuIdx if it is currently
// quiescent and a grace period is pending, then advances gp_seq if every
// online CPU has now seen the pending target.
func (e *Engine) reportQuiescent(cpu hw.CPU, cpuIdx int) {
	target := e.gpTarget.Load()

	if target == 0 || !e.quiescent(cpuIdx) {
		return
	}

	e.cpus[cpuIdx].seenGP.Store(target)

	wasEnabled := e.lock.Lock(cpu)
	defer e.lock.Unlock(cpu, wasEnabled)

	target = e.gpTarget.Load()

	if target == 0 {
		return
	}

	if !e.allSeen(target) {
		return
	}

	e.gpSeq.Store(target)
	e.gpTarget.Store(0)
	e.fireEligible(target)
}

func (e *Engine) allSeen(target uint64) bool {
	all := true

	e.table.Each(func(r *cputable.Record) {
		if !r.Online() {
			return
		}

		if e.cpus[r.LogicalIndex].seenGP.Load() < target {
			all = false
		}
	})

	return all
}

// fireEligible detaches every pending callback whose target has elapsed
// and invokes them in FIFO order. Its only caller, reportQuiescent, holds
// e.lock throughout, so the callbacks run with e.lock held; a callback
// that calls Call or Synchronize spins on e.lock, which its own CPU holds.
func (e *Engine) fireEligible(gpSeq uint64) {
	var eligible []Callback
	var remaining []Callback

	for _, cb := range e.pending {
		if cb.target <= gpSeq {
			eligible = append(eligible, cb)
		} else {
			remaining = append(remaining, cb)
		}
	}

	e.pending = remaining

	for _, cb := range eligible {
		cb.Fn(cb.Ctx)
	}
}

// startGracePeriod begins a grace period if none is pending, pre-marking
// every CPU that is already quiescent right now (it will never need to
// report again for this target).
func (e *Engine) startGracePeriod(cpu hw.CPU, cpuIdx int) uint64 {
	wasEnabled := e.lock.Lock(cpu)
	defer e.lock.Unlock(cpu, wasEnabled)

	target := e.gpTarget.Load()

	if target == 0 {
		target = e.gpSeq.Load() + 1
		e.gpTarget.Store(target)

		e.table.Each(func(r *cputable.Record) {
			if r.Online() && e.quiescent(r.LogicalIndex) {
				e.cpus[r.LogicalIndex].seenGP.Store(target)
			}
		})
	}

	return target
}

// Call defers fn(ctx) until a grace period that began no earlier than this
// call has fully elapsed.
func (e *Engine) Call(cpu hw.CPU, cpuIdx int, fn func(ctx any), ctx any) {
	target := e.startGracePeriod(cpu, cpuIdx)

	wasEnabled := e.lock.Lock(cpu)
	e.pending = append(e.pending, Callback{Fn: fn, Ctx: ctx, target: target})
	e.lock.Unlock(cpu, wasEnabled)

	e.reportQuiescent(cpu, cpuIdx)
}

// Synchronize waits until a grace period that began no earlier than this
// call has fully elapsed, spinning with its own quiescence re-reported on
// every poll. It returns false if the bounded spin budget is exhausted
// before gp_seq advances far enough; this is a liveness bound, not a
// safety one.
func (e *Engine) Synchronize(cpu hw.CPU, cpuIdx int) bool {
	target := e.startGracePeriod(cpu, cpuIdx)

	ok := spinwait.Until(synchronizeBudget, cpu, func() bool {
		e.reportQuiescent(cpu, cpuIdx)
		return e.gpSeq.Load() >= target
	})

	if !ok {
		klog.Warnf("rcu: synchronize() timed out waiting for grace period %d", target)
	}

	return ok
}

// GPSeq returns the current completed grace-period sequence number.
func (e *Engine) GPSeq() uint64 {
	return e.gpSeq.Load()
}

// PendingCount returns the number of callbacks not yet eligible to fire.
func (e *Engine) PendingCount() int {
	return len(e.pending)
}

// PreemptDisable increments cpuIdx's nestable preempt-disable depth, via
// the scheduler's shared counter (see perCPU's doc comment).
func (e *Engine) PreemptDisable(cpuIdx int) {
	e.sched.PreemptDisable(cpuIdx)
}

// PreemptEnable decrements cpuIdx's preempt-disable depth and reports
// quiescence if it has reached zero.
func (e *Engine) PreemptEnable(cpu hw.CPU, cpuIdx int) {
	e.sched.PreemptEnable(cpuIdx)
	e.reportQuiescent(cpu, cpuIdx)
}

// PreemptDepth returns cpuIdx's current preempt-disable depth.
func (e *Engine) PreemptDepth(cpuIdx int) int {
	return e.sched.PreemptDepth(cpuIdx)
}

// ReadDepth returns cpuIdx's current RCU read-section depth.
func (e *Engine) ReadDepth(cpuIdx int) int {
	return e.cpus[cpuIdx].readDepth
}
