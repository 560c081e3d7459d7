// Package persist is a generic object-persistence framework. It maps
// application objects to a relational back-end through pluggable storage
// mappings, compiles composable query predicates to the storage's native
// query language and manages usage-counted storage handles per goroutine.
package persist

import (
	"errors"
	"fmt"
)

// Error is the storage error kind: any failure of the underlying storage
// driver (connect, prepare, execute, commit, rollback, metadata). The
// originating driver error is always carried as the cause.
type Error struct {
	msg   string
	cause error
}

// NewError creates a storage error with an optional cause.
func NewError(msg string, cause error) *Error {
	return &Error{msg: msg, cause: cause}
}

// Errorf creates a storage error from a format string. An error wrapped
// with the %w verb becomes the cause.
func Errorf(format string, args ...interface{}) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{msg: err.Error(), cause: errors.Unwrap(err)}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.cause }

// MappingError is the programmer-error kind: unknown storage keys, missing
// mappings or id attributes, unsupported predicates, value type mismatches.
type MappingError struct {
	msg string
}

// NewMappingError creates a mapping error from a format string.
func NewMappingError(format string, args ...interface{}) *MappingError {
	return &MappingError{msg: fmt.Sprintf(format, args...)}
}

func (e *MappingError) Error() string { return e.msg }

// ErrUnsupported signals an optional operation that the storage
// implementation or the underlying driver does not provide. Callers may
// treat it as non-fatal.
var ErrUnsupported = errors.New("operation not supported")

// RuntimeError is the unchecked variant of a storage error. It is raised as
// a panic value by operations that cannot return an error, most notably the
// accessors of a lazily queried List.
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string { return "storage runtime error: " + e.Err.Error() }

func (e *RuntimeError) Unwrap() error { return e.Err }
