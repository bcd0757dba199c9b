package logging

import (
	"fmt"
	"runtime/debug"
)

// PanicError wraps a recovered panic value with its stack.
type PanicError struct {
	Component string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s: panic: %v", e.Component, e.Value)
}

// Recover converts a panic in the calling goroutine into a logged
// PanicError passed to onPanic. It must be invoked directly by defer.
//
//	defer logging.Recover(log, "monitor", func(err error) { ... })
func Recover(l *Logger, component string, onPanic func(error)) {
	v := recover()
	if v == nil {
		return
	}
	perr := &PanicError{Component: component, Value: v, Stack: string(debug.Stack())}
	if l == nil {
		l = Default()
	}
	l.Error("recovered panic", "component", component, "panic", fmt.Sprint(v), "stack", perr.Stack)
	if onPanic != nil {
		onPanic(perr)
	}
}
