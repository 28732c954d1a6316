// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

// defined in msr_amd64.s
func rdmsr(addr uint32) (lo uint32, hi uint32)
func wrmsr(addr uint32, lo uint32, hi uint32)

// ReadMSR reads a 64-bit Model Specific Register.
func ReadMSR(addr uint64) (val uint64) {
	lo, hi := rdmsr(uint32(addr))
	return uint64(hi)<<32 | uint64(lo)
}

// WriteMSR writes a 64-bit Model Specific Register.
func WriteMSR(addr uint64, val uint64) {
	wrmsr(uint32(addr), uint32(val), uint32(val>>32))
}
