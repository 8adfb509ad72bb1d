// Package xerrors adds caller positions and stacks to errors without
// changing how they compare under errors.Is / errors.As.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the call stack captured where the error entered our code.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped adds a message and the single caller frame that added it.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// marked reports as kind under errors.Is while keeping cause in the chain
// for logs. Error() never includes more than "kind: cause".
type marked struct {
	kind  error
	cause error
	pc    uintptr
}

func (m *marked) Error() string        { return m.kind.Error() + ": " + m.cause.Error() }
func (m *marked) Unwrap() []error      { return []error{m.kind, m.cause} }
func (m *marked) Is(target error) bool { return target == m.kind }
func (m *marked) PC() uintptr          { return m.pc }
func (m *marked) IsXerrorsWrapper()    {}

func captureStack(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	// 2 skips runtime.Callers and captureStack itself
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if n := runtime.Callers(2+skip, pcs[:]); n == 0 {
		return 0
	}
	return pcs[0]
}

func withStackSkip(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: captureStack(skip)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return withStackSkip(errors.New(msg), 2) }

// Newf is New with fmt formatting. %w is honoured.
func Newf(format string, args ...any) error {
	return withStackSkip(fmt.Errorf(format, args...), 2)
}

// WithStack attaches the caller's stack to err unconditionally.
func WithStack(err error) error { return withStackSkip(err, 2) }

// EnsureTrace attaches a stack only when nothing in the chain has one yet.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return withStackSkip(err, 2)
}

// Wrap prefixes err with msg. Returns nil when err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with fmt formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}

// Mark classifies cause as kind: errors.Is(result, kind) is true and the
// cause stays reachable for diagnostics. Returns nil when cause is nil.
// A nil kind returns cause unchanged.
func Mark(cause, kind error) error {
	if cause == nil {
		return nil
	}
	if kind == nil {
		return cause
	}
	return &marked{kind: kind, cause: cause, pc: callerPC(1)}
}
