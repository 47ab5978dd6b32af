// Package errs defines the error taxonomy shared by the extraction pipeline.
//
// Failures during extraction are local by default: a query, table or column
// that cannot be decoded is skipped and the rest of the container is still
// processed. The types here let callers tell the surviving failure classes
// apart without string matching.
package errs

import (
	"errors"
	"fmt"
)

// StructuralError reports envelope or header fields outside their expected
// range. It normally triggers a fallback strategy (signature scan, resync)
// rather than aborting.
type StructuralError struct {
	Unit string
	Msg  string
	Err  error
}

// NotFoundError reports a named entry, table, column or storage file that is
// absent from the container.
type NotFoundError struct {
	Unit string
	Msg  string
	Err  error
}

// CorruptError reports a cell, record or page that failed a type-consistent
// decode.
type CorruptError struct {
	Unit string
	Msg  string
	Err  error
}

// UnsupportedError reports a structure variant the decoder does not handle,
// such as an unknown dictionary type or framing mode.
type UnsupportedError struct {
	Unit string
	Msg  string
	Err  error
}

func (e *StructuralError) Error() string  { return format("structural mismatch", e.Unit, e.Msg, e.Err) }
func (e *NotFoundError) Error() string    { return format("not found", e.Unit, e.Msg, e.Err) }
func (e *CorruptError) Error() string     { return format("corrupt", e.Unit, e.Msg, e.Err) }
func (e *UnsupportedError) Error() string { return format("unsupported", e.Unit, e.Msg, e.Err) }

func (e *StructuralError) Unwrap() error  { return e.Err }
func (e *NotFoundError) Unwrap() error    { return e.Err }
func (e *CorruptError) Unwrap() error     { return e.Err }
func (e *UnsupportedError) Unwrap() error { return e.Err }

func format(kind, unit, msg string, err error) string {
	s := kind
	if unit != "" {
		s += " in " + unit
	}
	if msg != "" {
		s += ": " + msg
	}
	if err != nil {
		s += fmt.Sprintf(": %v", err)
	}
	return s
}

// Structural wraps err (which may be nil) as a StructuralError.
func Structural(unit, msg string, err error) error {
	return &StructuralError{Unit: unit, Msg: msg, Err: err}
}

// NotFound reports a missing named unit.
func NotFound(unit, msg string) error {
	return &NotFoundError{Unit: unit, Msg: msg}
}

// Corrupt wraps err as a CorruptError.
func Corrupt(unit, msg string, err error) error {
	return &CorruptError{Unit: unit, Msg: msg, Err: err}
}

// Unsupported reports a structure variant the decoder does not handle.
func Unsupported(unit, msg string) error {
	return &UnsupportedError{Unit: unit, Msg: msg}
}

// IsStructural reports whether any error in err's chain is a StructuralError.
func IsStructural(err error) bool {
	var e *StructuralError
	return errors.As(err, &e)
}

// IsNotFound reports whether any error in err's chain is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsCorrupt reports whether any error in err's chain is a CorruptError.
func IsCorrupt(err error) bool {
	var e *CorruptError
	return errors.As(err, &e)
}

// IsUnsupported reports whether any error in err's chain is an UnsupportedError.
func IsUnsupported(err error) bool {
	var e *UnsupportedError
	return errors.As(err, &e)
}
