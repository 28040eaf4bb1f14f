// Package errs defines the error taxonomy shared by every layer.
//
// Low-level engines wrap their native errors exactly once with a code and
// context; the CLI and IPC surfaces map codes to exit codes and wire codes
// without inspecting messages.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes travel verbatim in IPC error
// payloads and map to CLI exit codes through ExitCode.
type Code string

const (
	InvalidArgs   Code = "invalid_args"
	NotFound      Code = "not_found"
	Conflict      Code = "conflict"
	DbBusy        Code = "db_busy"
	InvalidChunk  Code = "invalid_chunk"
	InvalidEvent  Code = "invalid_event"
	HashMismatch  Code = "hash_mismatch"
	MissingParent Code = "missing_parent"
	Signature     Code = "signature"
	IO            Code = "io"
	Git           Code = "git"
	IPC           Code = "ipc"
	Internal      Code = "internal"
)

// Error carries a code, a human message, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with a code and formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and context to an underlying error. A nil err
// returns nil so call sites can wrap unconditionally.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from err, or Internal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// ExitCode maps an error to the CLI exit code contract:
// 0 ok, 2 invalid args, 3 not found, 4 conflict, 5 db busy / IO, 6 IPC, 1 other.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case InvalidArgs:
		return 2
	case NotFound:
		return 3
	case Conflict:
		return 4
	case DbBusy, IO:
		return 5
	case IPC:
		return 6
	default:
		return 1
	}
}
