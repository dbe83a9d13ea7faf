// Package status holds the canonical RPC status codes and the Status value that
// terminates every call.
package status

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is a canonical RPC status code.
type Code uint32

const (
	// OK means the call completed successfully.
	OK Code = 0
	// Canceled means the call was cancelled, typically by the caller.
	Canceled Code = 1
	// Unknown is used for errors that carry no status of their own.
	Unknown Code = 2
	// InvalidArgument means the caller supplied a bad argument.
	InvalidArgument Code = 3
	// DeadlineExceeded means the call's deadline expired before it completed.
	DeadlineExceeded Code = 4
	// NotFound means a requested entity was not found.
	NotFound Code = 5
	// AlreadyExists means an entity the caller tried to create already exists.
	AlreadyExists Code = 6
	// PermissionDenied means the caller may not execute the operation.
	PermissionDenied Code = 7
	// ResourceExhausted means some resource, such as a quota, has run out.
	ResourceExhausted Code = 8
	// FailedPrecondition means the system is not in a state required by the operation.
	FailedPrecondition Code = 9
	// Aborted means the operation was aborted, usually due to a concurrency issue.
	Aborted Code = 10
	// OutOfRange means the operation was attempted past the valid range.
	OutOfRange Code = 11
	// Unimplemented means the operation is not implemented or not supported.
	Unimplemented Code = 12
	// Internal means an invariant expected by the underlying system was broken.
	Internal Code = 13
	// Unavailable means the service is currently unavailable.
	Unavailable Code = 14
	// DataLoss means unrecoverable data loss or corruption.
	DataLoss Code = 15
	// Unauthenticated means the call lacks valid authentication credentials.
	Unauthenticated Code = 16
)

var codeNames = [...]string{
	OK:                 "OK",
	Canceled:           "CANCELLED",
	Unknown:            "UNKNOWN",
	InvalidArgument:    "INVALID_ARGUMENT",
	DeadlineExceeded:   "DEADLINE_EXCEEDED",
	NotFound:           "NOT_FOUND",
	AlreadyExists:      "ALREADY_EXISTS",
	PermissionDenied:   "PERMISSION_DENIED",
	ResourceExhausted:  "RESOURCE_EXHAUSTED",
	FailedPrecondition: "FAILED_PRECONDITION",
	Aborted:            "ABORTED",
	OutOfRange:         "OUT_OF_RANGE",
	Unimplemented:      "UNIMPLEMENTED",
	Internal:           "INTERNAL",
	Unavailable:        "UNAVAILABLE",
	DataLoss:           "DATA_LOSS",
	Unauthenticated:    "UNAUTHENTICATED",
}

// String returns the canonical name of the code, such as "NOT_FOUND".
func (c Code) String() string {
	if int(c) < len(codeNames) {
		return codeNames[c]
	}
	return "Code(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// Valid reports if c is one of the defined codes.
func (c Code) Valid() bool {
	return int(c) < len(codeNames)
}

// ParseCode returns the Code for a canonical name. Matching is case-insensitive and
// also accepts the numeric form.
func ParseCode(name string) (Code, error) {
	up := strings.ToUpper(strings.TrimSpace(name))
	for i, n := range codeNames {
		if n == up {
			return Code(i), nil
		}
	}
	if n, err := strconv.ParseUint(up, 10, 32); err == nil && Code(n).Valid() {
		return Code(n), nil
	}
	return Unknown, fmt.Errorf("status: unknown code %q", name)
}

// Status is the terminal outcome of a call. It is a value type and never mutated.
type Status struct {
	Code    Code
	Message string
}

// New creates a Status. An OK status never carries a message, so msg is dropped
// when code is OK.
func New(code Code, msg string) Status {
	if code == OK {
		return Status{}
	}
	return Status{Code: code, Message: msg}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, a ...any) Status {
	return New(code, fmt.Sprintf(format, a...))
}

// OKStatus returns the terminal status of a successful call.
func OKStatus() Status {
	return Status{}
}

// IsOK reports if the status code is OK.
func (s Status) IsOK() bool {
	return s.Code == OK
}

// String returns "NAME" or "NAME: message".
func (s Status) String() string {
	if s.Message == "" {
		return s.Code.String()
	}
	return s.Code.String() + ": " + s.Message
}
