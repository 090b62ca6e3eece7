// Package corelog is the node's debug-UART logger.
//
// Spec §7 asks for "log output on a debug UART when present" and nothing
// more — there is no structured logging dependency anywhere in the
// retrieval pack for this kind of firmware, so this wraps the standard
// library's *log.Logger around an injected io.Writer. A nil writer (the
// default zero value) discards everything, matching hardware where the UART
// may not be attached.
package corelog

import (
	"fmt"
	"io"
	"log"
)

// Logger writes "[component] message" lines to an underlying sink.
type Logger struct {
	component string
	std       *log.Logger
}

// New returns a Logger for the given component name, writing to w. If w is
// nil, log lines are discarded (no UART attached).
func New(component string, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		component: component,
		std:       log.New(w, "", log.Ltime|log.Lmicroseconds),
	}
}

// Logf writes a formatted diagnostic line.
func (l *Logger) Logf(format string, args ...any) {
	if l == nil || l.std == nil {
		return
	}
	l.std.Printf("[%s] %s", l.component, fmt.Sprintf(format, args...))
}

// Log writes a single diagnostic line.
func (l *Logger) Log(msg string) {
	l.Logf("%s", msg)
}
