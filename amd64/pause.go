// AMD64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

// defined in pause.s
func pause()

// Pause executes the PAUSE instruction, a hint to the processor that the
// calling code is in a spin-wait loop. It improves the performance of the
// spin-wait and reduces the power consumed while doing so; it is emitted
// between polls by every bounded spin-wait in the core (IPI round-trips,
// TLB acknowledgement, RCU grace-period waits).
func (cpu *CPU) Pause() {
	pause()
}
