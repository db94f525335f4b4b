// Package vm - error handling with stack traces
package vm

import (
	"fmt"
	"strings"
)

// StackFrame is one call-stack entry captured at the point an exception
// went unhandled: the function it was running, the file that defined it,
// and the source line execution had reached.
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// RuntimeError is an unhandled Grace exception together with the call
// stack active when it was thrown, displayed innermost-frame-first.
type RuntimeError struct {
	Message    string
	StackTrace []StackFrame
	full       bool
}

// maxDisplayedFrames bounds a printed trace unless GRACE_SHOW_FULL_CALLSTACK
// asked for everything.
const maxDisplayedFrames = 15

// Error implements the error interface, formatting the message with a
// (possibly trimmed) stack trace.
func (e *RuntimeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)

	frames := e.StackTrace
	trimmed := 0
	if !e.full && len(frames) > maxDisplayedFrames {
		trimmed = len(frames) - maxDisplayedFrames
		frames = frames[:maxDisplayedFrames]
	}
	if len(frames) > 0 {
		b.WriteString("\n\nStack trace:")
		for _, f := range frames {
			b.WriteString(fmt.Sprintf("\n  at %s (%s:%d)", f.Function, f.File, f.Line))
		}
		if trimmed > 0 {
			b.WriteString(fmt.Sprintf("\n  ... %d more frame(s) (set GRACE_SHOW_FULL_CALLSTACK=1 to see all)", trimmed))
		}
	}
	return b.String()
}

// newRuntimeError creates a new RuntimeError with the given message, call
// stack (innermost frame first) and full-callstack preference.
func newRuntimeError(message string, stack []StackFrame, full bool) *RuntimeError {
	return &RuntimeError{Message: message, StackTrace: stack, full: full}
}
