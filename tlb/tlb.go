// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package tlb is the TLB shootdown engine: a generation-numbered broadcast
// of page/full-flush invalidation requests with per-target
// acknowledgement, built on top of the ipi package's TLB-shootdown
// reserved vector.
package tlb

import (
	"sync/atomic"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/internal/klog"
	"github.com/smpkernel/core/internal/spinlock"
	"github.com/smpkernel/core/internal/spinwait"
	"github.com/smpkernel/core/ipi"
)

// Kind tags the pending shootdown request.
type Kind int

const (
	KindNone Kind = iota
	KindPage
	KindAll
)

// spinBudget bounds how many times ShootdownPage/ShootdownAll poll for every
// targeted CPU's acknowledgement before giving up.
const spinBudget = 1_000_000

// Engine is the process-wide TLB-shootdown singleton: one request in
// flight at a time, guarded by its own IRQ-save spinlock.
type Engine struct {
	lock spinlock.Lock

	generation atomic.Uint64
	kind       Kind
	targetVirt uint64
}

// New returns an idle shootdown engine.
func New() *Engine {
	return &Engine{}
}

// RegisterHandler installs the TLB-shootdown reserved-vector handler on
// sys. Call this once per ipi.System; a second call on the same System
// panics (duplicate vector registration).
func (e *Engine) RegisterHandler(sys *ipi.System) {
	sys.RegisterVector(ipi.VectorTLBShootdown, e.handle)
}

func (e *Engine) handle(sys *ipi.System) {
	gen := e.generation.Load()
	kind := e.kind
	virt := e.targetVirt

	switch kind {
	case KindPage:
		sys.CPU.Invlpg(virt)
	case KindAll:
		sys.CPU.FlushTLB()
	}

	idx := sys.Table.CurrentLogicalIndex()
	sys.Table.Record(idx).TLBAckGen.Store(gen)
	sys.Table.Record(idx).TLBIPICount.Add(1)

	sys.CPU.EOI()
}

// ShootdownPage invalidates virt on the calling CPU, then on every other
// online CPU, waiting (bounded) for every target's acknowledgement. It
// returns true iff every target acknowledged before the bound expired.
func (e *Engine) ShootdownPage(sys *ipi.System, virt uint64) bool {
	sys.CPU.Invlpg(virt)
	return e.broadcast(sys, KindPage, virt)
}

// ShootdownAll reloads the page-table root on the calling CPU, then on
// every other online CPU.
func (e *Engine) ShootdownAll(sys *ipi.System) bool {
	sys.CPU.FlushTLB()
	return e.broadcast(sys, KindAll, 0)
}

func (e *Engine) broadcast(sys *ipi.System, kind Kind, virt uint64) bool {
	self := sys.CPU
	wasEnabled := e.lock.Lock(self)
	defer e.lock.Unlock(self, wasEnabled)

	gen := e.generation.Add(1)
	e.kind = kind
	e.targetVirt = virt

	selfIdx := sys.Table.CurrentLogicalIndex()
	var targets []int

	sys.Table.Each(func(r *cputable.Record) {
		if r.LogicalIndex == selfIdx || !r.Online() {
			return
		}

		r.TLBAckGen.Store(gen - 1)
		targets = append(targets, r.LogicalIndex)
	})

	for _, idx := range targets {
		sys.SendTo(sys.Table.LookupPhysicalFromLogical(idx), ipi.VectorTLBShootdown)
	}

	ok := spinwait.Until(spinBudget, self, func() bool {
		for _, idx := range targets {
			if sys.Table.Record(idx).TLBAckGen.Load() < gen {
				return false
			}
		}
		return true
	})

	e.kind = KindNone

	if !ok {
		klog.Warnf("tlb: shootdown generation %d not acknowledged by every target", gen)
	}

	return ok
}
