// AMD64 processor support
// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package amd64

import (
	"runtime/goos"

	"github.com/smpkernel/core/internal/exception"
)

var (
	isr        uintptr
	eip        uintptr
	isThrowing bool
)

// Frame is the register state saved by the shared interrupt trampoline
// (irqHandler, defined in irq.s) before it calls into VectorHandler or the
// exception path. No handler in this package is passed a Frame:
// VectorHandler receives only the vector number and SystemExceptionHandler
// takes no arguments.
type Frame struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	Vector    uint64
	ErrorCode uint64

	RIP    uint64
	CS     uint64
	RFLAGS uint64
	RSP    uint64
	SS     uint64
}

// VectorNM is the Device-Not-Available exception vector, raised whenever
// the task-switched flag is set and an FPU/SSE/AVX instruction executes.
const VectorNM = 7

func currentVectorNumber() (id int) {
	id = int(isr - irqHandlerAddr)

	if id >= 0 {
		id = id / callSize
	}

	return
}

// CurrentVectorNumber returns the vector number of the exception currently
// being handled, for SystemExceptionHandler overrides that need to
// distinguish one exception vector (e.g. #NM, vector 7) from another.
func CurrentVectorNumber() int {
	return currentVectorNumber()
}

// Dump prints the processor state at the point of the exception, in the
// register order the trampoline pushes them, so that a panic message can be
// correlated against a disassembly without a debugger attached.
func (f *Frame) Dump() {
	print("vector  ", f.Vector, "  error ", f.ErrorCode, "\n")
	print("rip     ", f.RIP, "  cs  ", f.CS, "  rflags ", f.RFLAGS, "\n")
	print("rsp     ", f.RSP, "  ss  ", f.SS, "\n")
	print("rax ", f.RAX, " rbx ", f.RBX, " rcx ", f.RCX, " rdx ", f.RDX, "\n")
	print("rsi ", f.RSI, " rdi ", f.RDI, " rbp ", f.RBP, "\n")
	print("r8  ", f.R8, " r9  ", f.R9, " r10 ", f.R10, " r11 ", f.R11, "\n")
	print("r12 ", f.R12, " r13 ", f.R13, " r14 ", f.R14, " r15 ", f.R15, "\n")
}

// DefaultExceptionHandler handles an exception by printing its vector
// number, then panicking through exception.Throw, which prints the file and
// line of the faulting PC. It prints no register state: Frame.Dump is not
// called.
func DefaultExceptionHandler() {
	if isThrowing {
		goos.Exit(1)
	}

	isThrowing = true

	print("exception: vector ", currentVectorNumber(), " \n")
	exception.Throw(eip)
}

// SystemExceptionHandler allows to override the default exception handler
// executed at any exception by the table installed by EnableExceptions,
// which is used by default when initializing the CPU instance (e.g.
// CPU.Init()).
var SystemExceptionHandler = DefaultExceptionHandler

// EnableExceptions initializes handling of processor exceptions through
// DefaultExceptionHandler().
func (cpu *CPU) EnableExceptions() {
	// processor exceptions
	SetIDT(0, 31)
}
