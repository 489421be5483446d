package zeroskip

import (
	"errors"
	"fmt"
)

// Code is one of the error taxonomy values from spec.md §7.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeIOError
	CodeNotOpen
	CodeInternal
	CodeInvalidDb
	CodeInvalidFile
	CodeNoMemory
	CodeNotImplemented
	CodeError
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeNotFound:
		return "NotFound"
	case CodeIOError:
		return "IOError"
	case CodeNotOpen:
		return "NotOpen"
	case CodeInternal:
		return "Internal"
	case CodeInvalidDb:
		return "InvalidDb"
	case CodeInvalidFile:
		return "InvalidFile"
	case CodeNoMemory:
		return "NoMemory"
	case CodeNotImplemented:
		return "NotImplemented"
	default:
		return "Error"
	}
}

// Error wraps an underlying cause with one of the taxonomy codes from
// spec.md §7, so callers can branch on Code() while still getting
// errors.Is/errors.As through Unwrap.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("zeroskip: %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("zeroskip: %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newErr(op string, code Code, err error) *Error {
	return &Error{Op: op, Code: code, Err: err}
}

// ErrNotFound is returned by Fetch when a key is absent or tombstoned.
var ErrNotFound = newErr("fetch", CodeNotFound, nil)

// errReadOnly is wrapped into every mutating call rejected by a DB
// opened with ModeReadOnly.
var errReadOnly = errors.New("zeroskip: db opened read-only")

// IsNotFound reports whether err represents a missing key.
func IsNotFound(err error) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Code == CodeNotFound
	}
	return false
}
