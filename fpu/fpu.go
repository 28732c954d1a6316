// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package fpu is the lazy-FPU/XSAVE ownership manager: per-CPU "current
// FPU owner" pointers, fault-driven save/restore on the device-not-
// available (#NM) exception, and BeginTaskSwitch, which sets the
// task-switched bit so the next FPU/SSE/AVX instruction traps. Nothing in
// this module calls BeginTaskSwitch: the sched package's run loop does not
// set the bit when it switches between tasks.
package fpu

import (
	"unsafe"

	"github.com/smpkernel/core/hw"
	"github.com/smpkernel/core/internal/klog"
)

// State is a task's lazy-FPU save area: allocated on first use, aligned to
// 64 bytes, restored from the canonical zero-initial image.
type State struct {
	buf         []byte
	initialized bool
}

// Owner identifies the task whose FPU state is currently loaded in
// hardware on some CPU. Tasks are opaque to this package: callers pass
// back whatever comparable handle they use to identify a task (a pointer,
// typically), and supply the matching *State for it.
type Owner = any

// Manager is the process-wide FPU feature set plus one owner slot per CPU.
type Manager struct {
	sseEnabled bool
	avxEnabled bool
	areaSize   int
	canonical  []byte

	owners  []Owner
	states  []*State
	nmHits  []uint64
}

// New builds a Manager sized for nCPUs, snapshotting the canonical
// zero-initial XSAVE/FXSAVE image exactly once from cpu (any online CPU;
// the image only depends on the feature set, which is uniform across
// CPUs).
func New(cpu hw.CPU, sseEnabled, avxEnabled bool, nCPUs int) *Manager {
	size := cpu.XSaveAreaSize()

	m := &Manager{
		sseEnabled: sseEnabled,
		avxEnabled: avxEnabled,
		areaSize:   size,
		canonical:  make([]byte, size),
		owners:     make([]Owner, nCPUs),
		states:     make([]*State, nCPUs),
		nmHits:     make([]uint64, nCPUs),
	}

	// The canonical image is whatever a freshly-reset FPU state looks
	// like after a save; cpu.XSave on an untouched FPU captures it.
	cpu.XSave(m.canonical)

	return m
}

// NewState allocates an empty, not-yet-initialized save area for a task,
// starting on a 64-byte boundary.
func (m *Manager) NewState() *State {
	raw := make([]byte, m.areaSize+63)
	off := int(-uintptr(unsafe.Pointer(&raw[0])) & 63)

	return &State{buf: raw[off : off+m.areaSize]}
}

// BeginTaskSwitch sets the task-switched control bit so the next
// FPU/SSE/AVX instruction executed on cpu traps into HandleNM.
func (m *Manager) BeginTaskSwitch(cpu hw.CPU) {
	cpu.SetTaskSwitched()
}

// HandleNM is the #NM (device-not-available) handler: it clears the
// task-switched bit and reconciles the calling CPU's hardware FPU state
// with currentTask/currentState. The CPU's current owner is kept in the
// Manager's own per-CPU slot (see Owner), which HandleNM updates.
func (m *Manager) HandleNM(cpu hw.CPU, cpuIdx int, currentTask Owner, currentState *State) {
	cpu.ClearTaskSwitched()

	owner := m.owners[cpuIdx]

	switch {
	case owner == currentTask:
		// first use after switch into the same task: nothing to restore.
		return

	case owner != nil && m.states[cpuIdx] != nil && m.states[cpuIdx].initialized:
		cpu.XSave(m.states[cpuIdx].buf)
		m.restoreOrReinit(cpu, cpuIdx, currentTask, currentState)

	default:
		m.restoreOrReinit(cpu, cpuIdx, currentTask, currentState)
	}
}

func (m *Manager) restoreOrReinit(cpu hw.CPU, cpuIdx int, currentTask Owner, currentState *State) {
	if currentState == nil || len(currentState.buf) == 0 {
		m.nmHits[cpuIdx]++
		cpu.EnableFPUReinit()
		m.owners[cpuIdx] = nil
		klog.Warnf("fpu: save-area allocation failed on cpu %d, owner cleared", cpuIdx)
		return
	}

	if !currentState.initialized {
		copy(currentState.buf, m.canonical)
		currentState.initialized = true
	}

	cpu.XRestore(currentState.buf)
	m.owners[cpuIdx] = currentTask
	m.states[cpuIdx] = currentState
	m.nmHits[cpuIdx]++
}

// NMHits returns the #NM hit counter for cpuIdx.
func (m *Manager) NMHits(cpuIdx int) uint64 {
	return m.nmHits[cpuIdx]
}

// Owner returns the task currently owning cpuIdx's hardware FPU state, or
// nil if none.
func (m *Manager) Owner(cpuIdx int) Owner {
	return m.owners[cpuIdx]
}
