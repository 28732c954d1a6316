// KVM clock pairing driver
// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package kvmclock implements a driver for the KVM specific paravirtualized
// clocksources following the KVM_HC_CLOCK_PAIRING hypercall as described at:
//
//	https://docs.kernel.org/virt/kvm/x86/hypercalls.html
//
// This package is only meant to be used with `GOOS=tamago` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/usbarmory/tamago.
package kvmclock

// defined in pairing.s
//
// Pairing issues the KVM_HC_CLOCK_PAIRING hypercall and returns the host
// clock information used by [amd64.CPU.calibrateByPairing]; [Now] (in
// kvm_clock.go) is the DMA-buffer based equivalent used once KVM pvclock
// has already been initialized.
func Pairing() (sec int64, nsec int64, tsc uint64)
