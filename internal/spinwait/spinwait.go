// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package spinwait is the generic "await a condition, bounded" helper the
// core's remote-wait loops are all built on (AP ready, PING/PONG, counter
// stress, TLB ack, RCU grace period): every one of them polls a predicate
// with a bounded iteration budget and a pause hint between polls, and never
// blocks unboundedly. It generalizes the teacher's register-polling
// internal/reg.WaitFor to an arbitrary predicate.
package spinwait

// Paused is implemented by a CPU capable of emitting the PAUSE hardware
// hint between polls.
type Paused interface {
	Pause()
}

// Until polls cond up to budget times, calling pause.Pause() between polls
// when pause is non-nil. It returns true as soon as cond reports true, or
// false once the budget is exhausted.
func Until(budget int, pause Paused, cond func() bool) bool {
	for i := 0; i < budget; i++ {
		if cond() {
			return true
		}

		if pause != nil {
			pause.Pause()
		}
	}

	return cond()
}
