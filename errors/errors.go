// Package errors provides the errors package for the tether RPC channel
// layer. It includes all of the stdlib's functions and types plus an E()
// constructor that attaches an RPC status category to every error.
package errors

import (
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/errors"
)

// Category represents the terminal status category of an RPC-layer error.
// Categories follow the usual RPC status code names.
type Category uint32

func (c Category) Category() string {
	return c.String()
}

const (
	// Unknown represents an unknown category. This should not be used.
	Unknown Category = Category(0)
	// Canceled indicates the operation was canceled by the caller.
	Canceled Category = Category(1)
	// InvalidArgument indicates a caller-supplied argument failed validation.
	InvalidArgument Category = Category(2)
	// DeadlineExceeded indicates the operation's deadline expired before completion.
	DeadlineExceeded Category = Category(3)
	// PermissionDenied indicates the peer rejected the operation.
	PermissionDenied Category = Category(4)
	// ResourceExhausted indicates a quota or size limit was exceeded.
	ResourceExhausted Category = Category(5)
	// Unavailable indicates the operation failed because the connection or
	// service was not available. Callers may safely retry at a higher layer.
	Unavailable Category = Category(6)
	// Internal indicates an invariant was broken. These are always bugs.
	Internal Category = Category(7)
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case Canceled:
		return "Canceled"
	case InvalidArgument:
		return "InvalidArgument"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case PermissionDenied:
		return "PermissionDenied"
	case ResourceExhausted:
		return "ResourceExhausted"
	case Unavailable:
		return "Unavailable"
	case Internal:
		return "Internal"
	}
	return "Unknown"
}

// errType is the coarse gostdlib error type derived from a Category.
type errType uint16

func (t errType) Type() string {
	switch t {
	case typeConn:
		return "Conn"
	case typeParameter:
		return "Parameter"
	case typeTimeout:
		return "TimeoutOrCancel"
	case typeBug:
		return "Bug"
	}
	return "Unknown"
}

const (
	typeUnknown   errType = errType(0)
	typeBug       errType = errType(1)
	typeParameter errType = errType(2)
	typeConn      errType = errType(3)
	typeTimeout   errType = errType(4)
)

func typeOf(c Category) errType {
	switch c {
	case Canceled, DeadlineExceeded:
		return typeTimeout
	case InvalidArgument:
		return typeParameter
	case Unavailable, PermissionDenied, ResourceExhausted:
		return typeConn
	case Internal:
		return typeBug
	}
	return typeUnknown
}

// Error is the error type for this module. Error implements
// github.com/gostdlib/base/errors.E .
type Error = errors.Error

// EOption is an optional argument for E().
type EOption = errors.EOption

// E creates a new Error in the given Category wrapping msg.
func E(ctx context.Context, c Category, msg error, options ...EOption) Error {
	// We are a wrapper, so point the recorded frame at our caller unless
	// the caller set it explicitly.
	opts := make([]EOption, 0, len(options)+1)
	opts = append(opts, errors.WithCallNum(2))
	opts = append(opts, options...)

	return errors.E(ctx, c, typeOf(c), msg, opts...)
}
