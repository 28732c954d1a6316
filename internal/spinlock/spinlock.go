// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spinlock provides the IRQ-save spinlock discipline every shared
// structure in the core (the TLB-shootdown request, the RCU state, each
// per-CPU run queue) is built on: a lock acquired with interrupts disabled,
// since acquirers may themselves be interrupt handlers.
package spinlock

import "sync/atomic"

// IRQSaver disables interrupts on the calling CPU and returns whether they
// were enabled beforehand; the amd64 package's PushCLI/PopCLI implement it.
type IRQSaver interface {
	PushCLI() bool
	PopCLI(bool)
}

// Lock is a ticketless spinlock with the classic spin_lock_irqsave /
// spin_unlock_irqrestore discipline: Lock disables interrupts on the
// calling CPU before spinning for the lock word, Unlock releases the word
// and restores the caller's prior interrupt-enable state. It must be held
// for O(1) work only.
type Lock struct {
	locked atomic.Bool
}

// Lock acquires the lock with interrupts disabled and returns the
// caller's previous interrupt-enable state, to be passed back to Unlock.
func (l *Lock) Lock(cpu IRQSaver) (wasEnabled bool) {
	wasEnabled = cpu.PushCLI()

	for !l.locked.CompareAndSwap(false, true) {
		// spin; the caller is expected to be holding this for O(1) work,
		// so no backoff is needed here.
	}

	return
}

// Unlock releases the lock and restores the interrupt-enable state
// returned by the matching Lock call.
func (l *Lock) Unlock(cpu IRQSaver, wasEnabled bool) {
	l.locked.Store(false)
	cpu.PopCLI(wasEnabled)
}
