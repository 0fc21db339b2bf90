// Package xerrors records where an error was created or annotated so the
// logger can render a stack or a func:file:line link for each step of a chain.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the full call stack captured when the error was created.
type stacked struct {
	error
	pcs []uintptr
}

func (e *stacked) Unwrap() error       { return e.error }
func (e *stacked) StackPCs() []uintptr { return e.pcs }

// annotated prefixes a cause with context and remembers the caller that added it.
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (e *annotated) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *annotated) Unwrap() error { return e.cause }
func (e *annotated) PC() uintptr   { return e.pc }

// callers skips runtime.Callers, callers itself and skip more frames.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pc [1]uintptr
	if runtime.Callers(2+skip, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{error: errors.New(msg), pcs: callers(1)}
}

// Newf is New with fmt formatting; %w is honored.
func Newf(format string, args ...any) error {
	return &stacked{error: fmt.Errorf(format, args...), pcs: callers(1)}
}

// WithStack attaches the caller's stack to err. Returns nil for nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{error: err, pcs: callers(1)}
}

// EnsureTrace is WithStack unless some error in the chain already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s interface{ StackPCs() []uintptr }
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return &stacked{error: err, pcs: callers(1)}
}

// Wrap prefixes err with msg. Returns nil for nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: caller(1)}
}

// Wrapf is Wrap with fmt formatting of the prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: caller(1)}
}
