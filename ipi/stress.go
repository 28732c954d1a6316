// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipi

import (
	"sync/atomic"

	"github.com/smpkernel/core/cputable"
	"github.com/smpkernel/core/internal/spinlock"
)

// CounterStress is the shared-counter IPI stress harness behind the
// counter-stress reserved vector: a fixed amount of work (increments) is
// handed out per target CPU, each target runs its quota under the shared
// lock when the IPI arrives, and marks itself done.
type CounterStress struct {
	lock    spinlock.Lock
	counter int

	quota [cputable.MaxCPUs]int
	done  [cputable.MaxCPUs]atomic.Bool
}

// NewCounterStress returns an empty harness.
func NewCounterStress() *CounterStress {
	return &CounterStress{}
}

// SetQuota assigns idx's share of the work before sending it the
// counter-stress IPI.
func (c *CounterStress) SetQuota(idx int, amount int) {
	c.quota[idx] = amount
	c.done[idx].Store(false)
}

// Counter returns the current shared-counter value.
func (c *CounterStress) Counter() int {
	return c.counter
}

// Done reports whether idx has finished its quota.
func (c *CounterStress) Done(idx int) bool {
	return c.done[idx].Load()
}

// Handler returns the reserved-vector handler for this harness, to be
// registered on VectorCounterStress by each online CPU's System.
func (c *CounterStress) Handler() Handler {
	return func(sys *System) {
		idx := sys.Table.CurrentLogicalIndex()
		amount := c.quota[idx]

		wasEnabled := c.lock.Lock(sys.CPU)
		for i := 0; i < amount; i++ {
			c.counter++
		}
		c.lock.Unlock(sys.CPU, wasEnabled)

		c.done[idx].Store(true)
		sys.CPU.EOI()
	}
}
