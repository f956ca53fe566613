// Copyright © 2024 The ELPS authors

package eval

import (
	"errors"
	"fmt"
)

var errNullReference = errors.New("null reference")

// ErrorKind classifies evaluation failures.
type ErrorKind int

const (
	// ParseError reports malformed expression text.
	ParseError ErrorKind = iota + 1
	// IdentifierNotFound reports a name that no scope defines.
	IdentifierNotFound
	// NoMatchingOverload reports a call with zero or several applicable
	// methods.
	NoMatchingOverload
	// RemoteInvokeFault reports a failure inside the debuggee while
	// running a method or property getter.
	RemoteInvokeFault
	// InvalidOperation reports an operator applied to unsupported operands.
	InvalidOperation
)

var errorKindStrings = []string{
	ParseError:         "parse error",
	IdentifierNotFound: "identifier not found",
	NoMatchingOverload: "no matching overload",
	RemoteInvokeFault:  "remote invocation failed",
	InvalidOperation:   "invalid operation",
}

func (k ErrorKind) String() string {
	if k > 0 && int(k) < len(errorKindStrings) {
		return errorKindStrings[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is returned by Compile and Evaluate.
type Error struct {
	Kind ErrorKind
	Msg  string
	// Offset is the byte offset in the expression text the error applies
	// to, or -1.
	Offset int
	// Err is the underlying failure, if any.
	Err error
}

func (e *Error) Error() string {
	var msg string
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s at offset %d: %s", e.Kind, e.Offset, e.Msg)
	} else {
		msg = fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func errorf(kind ErrorKind, offset int, format string, v ...interface{}) *Error {
	return &Error{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, v...)}
}
