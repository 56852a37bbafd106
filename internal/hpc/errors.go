package hpc

import (
	"errors"
	"fmt"
)

// Error kinds. Every error produced by the bridge wraps exactly one of these,
// so callers can branch with errors.Is regardless of how deep it was raised.
var (
	// ErrIO is a transport channel open, read, or write failure.
	ErrIO = errors.New("hpc: io error")
	// ErrProtocol means the response was not a syntactically valid JSON document.
	ErrProtocol = errors.New("hpc: protocol error")
	// ErrSchema means a capability response lacks a field the caller relies on.
	ErrSchema = errors.New("hpc: schema error")
	// ErrRange is an invalid argument to a bridge helper.
	ErrRange = errors.New("hpc: range error")
)

// Error carries the failing operation alongside its kind and cause.
type Error struct {
	Kind error  // One of ErrIO, ErrProtocol, ErrSchema, ErrRange.
	Op   string // e.g. "send", "receive", "decode rng".
	Err  error  // Underlying cause, may be nil.
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func ioErr(op string, err error) error {
	return &Error{Kind: ErrIO, Op: op, Err: err}
}

func protocolErr(op string, err error) error {
	return &Error{Kind: ErrProtocol, Op: op, Err: err}
}

// SchemaError builds an ErrSchema-kinded error. Exported for capability clients
// layered on top of the bridge.
func SchemaError(op string, format string, args ...any) error {
	return &Error{Kind: ErrSchema, Op: op, Err: fmt.Errorf(format, args...)}
}

// RangeError builds an ErrRange-kinded error.
func RangeError(op string, format string, args ...any) error {
	return &Error{Kind: ErrRange, Op: op, Err: fmt.Errorf(format, args...)}
}
