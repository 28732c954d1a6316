// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hw

import (
	"time"

	"github.com/smpkernel/core/amd64"
	"github.com/smpkernel/core/amd64/lapic"
)

// sendTimeout bounds how long a single IPI send is allowed to wait for the
// ICR delivery-status bit to clear before SendTo/SendToAllOthers gives up
// and reports failure.
const sendTimeout = 10 * time.Millisecond

// AMD64 adapts an *amd64.CPU into the hw.CPU interface.
type AMD64 struct {
	CPU *amd64.CPU
}

var _ CPU = (*AMD64)(nil)

func (a *AMD64) PhysicalID() uint32 {
	return a.CPU.LAPIC.ID()
}

func (a *AMD64) SendTo(physicalID uint32, vector int) bool {
	if !a.CPU.APICEnabled() {
		return false
	}

	return a.CPU.LAPIC.TrySend(int(physicalID), vector, lapic.ICR_DLV_IRQ, sendTimeout)
}

func (a *AMD64) SendToAllOthers(vector int) bool {
	if !a.CPU.APICEnabled() {
		return false
	}

	return a.CPU.LAPIC.TrySend(0, vector, lapic.ICR_DST_REST|lapic.ICR_DLV_IRQ, sendTimeout)
}

func (a *AMD64) EOI() {
	a.CPU.LAPIC.ClearInterrupt()
}

func (a *AMD64) Halt() {
	a.CPU.Halt()
}

func (a *AMD64) Pause() {
	a.CPU.Pause()
}

func (a *AMD64) PushCLI() bool {
	return a.CPU.PushCLI()
}

func (a *AMD64) PopCLI(wasEnabled bool) {
	a.CPU.PopCLI(wasEnabled)
}

func (a *AMD64) Invlpg(addr uint64) {
	a.CPU.Invlpg(addr)
}

func (a *AMD64) FlushTLB() {
	a.CPU.FlushTLB()
}

func (a *AMD64) XSave(buf []byte) {
	a.CPU.XSave(buf)
}

func (a *AMD64) XRestore(buf []byte) {
	a.CPU.XRestore(buf)
}

func (a *AMD64) XSaveAreaSize() int {
	if a.CPU.Features().AVX && a.CPU.Features().XSaveSize > 0 {
		return int(a.CPU.Features().XSaveSize)
	}

	// legacy FXSAVE/FXRSTOR area size
	// (Intel SDM Vol. 2A, FXSAVE: 512 bytes).
	return 512
}

func (a *AMD64) SetTaskSwitched() {
	a.CPU.SetTaskSwitched()
}

func (a *AMD64) ClearTaskSwitched() {
	a.CPU.ClearTaskSwitched()
}

func (a *AMD64) EnableFPUReinit() {
	a.CPU.EnableFPU()
}
