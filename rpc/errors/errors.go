// Package errors provides the error model for RPC calls. It includes the stdlib's
// functions, categorized internal errors built on github.com/gostdlib/base/errors,
// and the CallError types (ServerError and ClientError) that carry a terminal status.
package errors

import (
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/errors"
)

// Category represents the category of an internal error.
type Category uint32

// Category implements github.com/gostdlib/base/errors.Category.
func (c Category) Category() string {
	return c.String()
}

func (c Category) String() string {
	switch c {
	case CatUser:
		return "User"
	case CatInternal:
		return "Internal"
	}
	return "Unknown"
}

const (
	// CatUnknown represents an unknown category. This should not be used.
	CatUnknown Category = Category(0)
	// CatUser represents an error caused by the caller, such as a bad argument.
	CatUser Category = Category(1)
	// CatInternal represents an error inside the RPC runtime or a transport.
	CatInternal Category = Category(2)
)

// Type represents the type of an internal error.
type Type uint16

// Type implements github.com/gostdlib/base/errors.Type.
func (t Type) Type() string {
	return t.String()
}

func (t Type) String() string {
	switch t {
	case TypeBug:
		return "Bug"
	case TypeParameter:
		return "Parameter"
	case TypeConn:
		return "Conn"
	case TypeTimeout:
		return "TimeoutOrCancel"
	case TypeCodec:
		return "Codec"
	case TypeProtocol:
		return "Protocol"
	}
	return "Unknown"
}

const (
	// TypeUnknown represents an unknown type.
	TypeUnknown Type = Type(0)
	// TypeBug represents a known bug in calling code.
	TypeBug Type = Type(1)
	// TypeParameter represents a parameter that didn't pass validation.
	TypeParameter Type = Type(2)
	// TypeConn represents an error with a connection or carrier.
	TypeConn Type = Type(3)
	// TypeTimeout represents a timeout or cancelation.
	TypeTimeout Type = Type(4)
	// TypeCodec represents a failure to encode or decode a message.
	TypeCodec Type = Type(5)
	// TypeProtocol represents a peer that broke the frame protocol.
	TypeProtocol Type = Type(6)
)

// Error is the categorized error type. It implements github.com/gostdlib/base/errors.E .
type Error = errors.Error

// EOption is an optional argument for E().
type EOption = errors.EOption

// WithSuppressTraceErr prevents the trace from being recorded with an error status.
// Use it for errors that are retried.
func WithSuppressTraceErr() EOption {
	return errors.WithSuppressTraceErr()
}

// WithCallNum sets the stack frame used for the filename and line.
func WithCallNum(i int) EOption {
	return errors.WithCallNum(i)
}

// E creates a new categorized Error.
func E(ctx context.Context, c errors.Category, t errors.Type, msg error, options ...errors.EOption) Error {
	// We are a wrapper, so look one frame further up unless the caller overrides it.
	opts := make([]errors.EOption, 0, len(options)+1)
	opts = append(opts, WithCallNum(2))
	opts = append(opts, options...)

	return errors.E(ctx, c, t, msg, opts...)
}
