// Package waitpt captures the "wait-point" diagnostic the spec attaches to
// every thread (spec.md §3, Thread.wait-point for diagnostics): the call
// site that caused a thread to block, for postmortem debugging. Grounded
// on the teacher's caller.Callerdump, trimmed to just the single-frame
// capture that kthread.Thread records when it is marked blocked.
package waitpt

import (
	"fmt"
	"runtime"
)

// Point identifies a call site.
type Point struct {
	pc   uintptr
	file string
	line int
}

// Here captures the line from which its caller called Here, or skip frames
// further up the stack (skip=0 means "the function that called Here").
func Here(skip int) Point {
	pc, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return Point{}
	}
	return Point{pc: pc, file: file, line: line}
}

// String renders the call site as file:line, or "<unknown>" if it wasn't
// captured (the zero Point).
func (p Point) String() string {
	if p.file == "" {
		return "<unknown>"
	}
	return fmt.Sprintf("%s:%d", p.file, p.line)
}

// Func returns the name of the function containing the call site.
func (p Point) Func() string {
	if p.pc == 0 {
		return "<unknown>"
	}
	fn := runtime.FuncForPC(p.pc)
	if fn == nil {
		return "<unknown>"
	}
	return fn.Name()
}
