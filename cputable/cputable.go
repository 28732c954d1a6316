// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cputable is the ground truth for which CPUs exist, their
// physical/logical identifiers, and which of them are online.
//
// It is the leaf-most component of the core: the IPI substrate, the
// scheduler and the RCU engine all consult it, directly or through the
// kernel facade, to decide which physical IDs are live targets. Nothing in
// this package depends on anything else in the core.
package cputable

import (
	"sync/atomic"

	"github.com/smpkernel/core/internal/klog"
)

// MaxCPUs is the fixed maximum number of logical CPU slots the table can
// hold.
const MaxCPUs = 256

// MaxPhysicalID is the size of the dense physical-ID -> logical-index map.
// Physical IDs (APIC IDs) on the targets this core runs on fit comfortably
// below this.
const MaxPhysicalID = 1024

// Unassigned is the sentinel stored in the identity map for a physical ID
// that has no owning CPU record.
const Unassigned = -1

// Record is one per-CPU slot. Logical and physical identity are set by
// register_cpu; MarkOnline replaces PhysicalID if the CPU reports a
// different one. Online and the counters are mutated by the owning CPU
// (release-stored) and observed by others (acquire-loaded).
type Record struct {
	// LogicalIndex is this record's own slot number, 0..MaxCPUs.
	LogicalIndex int
	// PhysicalID is the interrupt-controller (LAPIC) identifier.
	PhysicalID uint32
	// StackTop is a slot for the kernel-stack top handed to this CPU at
	// bring-up; neither RegisterCPU nor MarkOnline writes it.
	StackTop uint64

	online atomic.Bool

	// Per-CPU counters, all owner-incremented / anyone-readable.
	PingCount       atomic.Uint64
	PongCount       atomic.Uint64
	SchedKickCount  atomic.Uint64
	TLBIPICount     atomic.Uint64
	TLBAckGen       atomic.Uint64
	TimerInitOK     atomic.Uint64
	TimerInitFailed atomic.Uint64
}

// Online reports whether this CPU has completed bring-up.
func (r *Record) Online() bool {
	return r.online.Load()
}

// Table is the process-wide CPU identity table.
type Table struct {
	records [MaxCPUs]Record
	count   atomic.Int32

	// identity maps a physical ID to the owning logical index, or
	// Unassigned. RegisterCPU assigns each entry at most once; MarkOnline
	// moves a logical index to a new entry when the CPU reports a physical
	// ID different from the registered one.
	identity [MaxPhysicalID]atomic.Int32

	// LocalPhysicalID reads the calling CPU's physical (APIC) identifier
	// from the local interrupt controller. It is supplied by the
	// surrounding kernel (see kernel.New) the same way the teacher wires
	// goos.ProcID to CPU.ID: the table itself has no hardware access.
	LocalPhysicalID func() uint32
}

// New returns an initialized, empty table. Equivalent to spec's init().
func New(localPhysicalID func() uint32) *Table {
	t := &Table{LocalPhysicalID: localPhysicalID}

	for i := range t.identity {
		t.identity[i].Store(Unassigned)
	}

	for i := range t.records {
		t.records[i].LogicalIndex = i
	}

	return t
}

// RegisterCPU creates the record for logical index idx bound to physical
// identifier id. Called exactly once per logical index, from the BSP,
// before the corresponding AP is started. Indices are registered densely
// from 0 (the BSP first): Record, MarkOnline, Each and Count only cover
// indices below the number of registrations made so far.
func (t *Table) RegisterCPU(idx int, id uint32) {
	if idx < 0 || idx >= MaxCPUs {
		panic("cputable: logical index out of range")
	}

	if int(id) >= MaxPhysicalID {
		panic("cputable: physical id out of range")
	}

	if !t.identity[id].CompareAndSwap(Unassigned, int32(idx)) {
		panic("cputable: duplicate logical-index assignment")
	}

	r := &t.records[idx]
	r.LogicalIndex = idx
	r.PhysicalID = id
	t.count.Add(1)
}

// MarkOnline publishes that logical index idx has completed bring-up. It
// must be called exactly once per CPU. physicalID is the authoritative
// value re-read by the CPU itself from its local interrupt controller
// (spec.md §4.2's final bring-up step); register_cpu's physicalID was only
// the BSP's assumption at dispatch time, so a mismatch here corrects the
// identity map rather than being ignored. The atomic store below is the
// release that remote readers of Online()/IsOnline() acquire-load against.
func (t *Table) MarkOnline(idx int, physicalID uint32) {
	r := t.record(idx)

	if r.PhysicalID != physicalID {
		klog.Warnf("cputable: cpu %d reports physical id %d, register_cpu assumed %d; correcting", idx, physicalID, r.PhysicalID)

		if int(r.PhysicalID) < MaxPhysicalID {
			t.identity[r.PhysicalID].CompareAndSwap(int32(idx), Unassigned)
		}

		if int(physicalID) < MaxPhysicalID {
			t.identity[physicalID].Store(int32(idx))
		}

		r.PhysicalID = physicalID
	}

	if r.online.Swap(true) {
		panic("cputable: double-online")
	}
}

// CurrentLogicalIndex reads the local interrupt-controller ID and maps it
// through the identity map. Before the map is populated (very-early boot)
// it returns 0, the BSP's index, since the BSP registers itself first.
func (t *Table) CurrentLogicalIndex() int {
	if t.LocalPhysicalID == nil {
		return 0
	}

	id := t.LocalPhysicalID()

	if int(id) >= MaxPhysicalID {
		return 0
	}

	idx := t.identity[id].Load()

	if idx == Unassigned {
		return 0
	}

	return int(idx)
}

// LookupLogicalFromPhysical maps a physical ID to its logical index, or
// Unassigned if the ID is outside the identity-map range or has no owner.
func (t *Table) LookupLogicalFromPhysical(id uint32) int {
	if int(id) >= MaxPhysicalID {
		return Unassigned
	}

	return int(t.identity[id].Load())
}

// LookupPhysicalFromLogical returns the physical ID for a registered
// logical index.
func (t *Table) LookupPhysicalFromLogical(idx int) uint32 {
	return t.record(idx).PhysicalID
}

// OnlineCount returns the number of CPUs currently marked online. This is
// a snapshot read, not linearisable against concurrent MarkOnline calls.
func (t *Table) OnlineCount() int {
	n := 0

	for i := 0; i < int(t.count.Load()); i++ {
		if t.records[i].Online() {
			n++
		}
	}

	return n
}

// IsOnline reports whether the CPU owning physical ID id is online. A
// physical ID outside the map range, or with no owning record, is treated
// as "not a known CPU" and reports false rather than dereferencing
// anything.
func (t *Table) IsOnline(id uint32) bool {
	idx := t.LookupLogicalFromPhysical(id)

	if idx == Unassigned {
		return false
	}

	return t.records[idx].Online()
}

// Record returns the record for a registered logical index. Panics on an
// out-of-range index: every caller in this core either owns the index or
// obtained it from a lookup that already validated it.
func (t *Table) Record(idx int) *Record {
	return t.record(idx)
}

// Count returns the number of registered (not necessarily online) CPU
// slots.
func (t *Table) Count() int {
	return int(t.count.Load())
}

// Each invokes fn once per registered CPU record, in logical-index order.
func (t *Table) Each(fn func(*Record)) {
	for i := 0; i < int(t.count.Load()); i++ {
		fn(&t.records[i])
	}
}

func (t *Table) record(idx int) *Record {
	if idx < 0 || idx >= int(t.count.Load()) {
		panic("cputable: logical index not registered")
	}

	return &t.records[idx]
}
