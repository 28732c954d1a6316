// https://github.com/smpkernel/core
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package klog provides the core's console logging primitive. It mirrors
// the teacher's bare "print straight to the console" idiom (see
// amd64/timer.go's "WARNING: TSC frequency is unavailable") rather than a
// structured logging library: at the point most of this code runs there is
// no heap, no goroutine scheduler and no guarantee a io.Writer sink is even
// attached yet.
package klog

import (
	"fmt"
	"io"
)

// Sink receives formatted log output. It defaults to nil (discard) until
// the surrounding kernel attaches a console (e.g. a serial port driver);
// SetSink is not safe to call concurrently with logging and is expected to
// be called once, early in boot, by the BSP only.
var Sink io.Writer

// SetSink attaches the console the kernel wants log output written to.
func SetSink(w io.Writer) {
	Sink = w
}

func write(prefix, format string, args ...any) {
	if Sink == nil {
		return
	}

	fmt.Fprintf(Sink, prefix+format+"\n", args...)
}

// Infof logs an informational message.
func Infof(format string, args ...any) {
	write("", format, args...)
}

// Warnf logs a warning, matching the teacher's "WARNING: ..." convention.
func Warnf(format string, args ...any) {
	write("WARNING: ", format, args...)
}

// Errorf logs a non-fatal error.
func Errorf(format string, args ...any) {
	write("ERROR: ", format, args...)
}
