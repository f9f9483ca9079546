// Package kvserr defines the small result taxonomy shared by every component of
// the signaling transport layer. Each failure is reported as a *Error carrying a
// Code, optionally wrapping the lower-level error that caused it.
package kvserr

import (
	"errors"
	"fmt"
)

// Code classifies a transport-layer failure
type Code int

const (
	// BadParameter means an input was nil, empty or otherwise invalid. It is detected
	// before any I/O and no state is mutated.
	BadParameter Code = iota + 1

	// BufferTooSmall means a fixed-capacity scratch or output buffer could not hold
	// the required output.
	BufferTooSmall

	// MalformedUrl means a URL could not be parsed
	MalformedUrl

	// MalformedQuery means a URL query string could not be parsed or lacked a required
	// parameter
	MalformedQuery

	// HandshakeFailed means the TLS handshake did not complete
	HandshakeFailed

	// InvalidCredentials means certificate or key material could not be loaded
	InvalidCredentials

	// ConnectFailure means name resolution or the TCP connect failed
	ConnectFailure

	// NotConnected means the peer reset the connection, the pipe broke, or the
	// connection is not (or no longer) established
	NotConnected

	// SigningFailed means the underlying cryptographic primitive returned an error
	SigningFailed

	// Inconsistent means an internal invariant of the send queue was violated
	Inconsistent

	// OutOfMemory means an allocation failed
	OutOfMemory

	// Empty means a queue had no element to return
	Empty

	// ResponseTooLarge means an HTTP response did not fit into the caller's buffer
	ResponseTooLarge

	// InternalError is any other failure
	InternalError
)

var codeNames = map[Code]string{
	BadParameter:       "bad parameter",
	BufferTooSmall:     "buffer too small",
	MalformedUrl:       "malformed URL",
	MalformedQuery:     "malformed query",
	HandshakeFailed:    "TLS handshake failed",
	InvalidCredentials: "invalid credentials",
	ConnectFailure:     "connect failure",
	NotConnected:       "not connected",
	SigningFailed:      "signing failed",
	Inconsistent:       "inconsistent state",
	OutOfMemory:        "out of memory",
	Empty:              "empty",
	ResponseTooLarge:   "response too large",
	InternalError:      "internal error",
}

func (c Code) String() string {
	name, ok := codeNames[c]
	if !ok {
		return fmt.Sprintf("unknown error code %d", int(c))
	}
	return name
}

// Error implements the error interface so a bare Code can be used as a sentinel
// with errors.Is
func (c Code) Error() string {
	return c.String()
}

// Error is a transport-layer failure with a Code and an optional underlying cause
type Error struct {
	Code       Code
	msg        string
	underlying error
}

// New creates an Error with the given code, wrapping underlying (which may be nil)
func New(code Code, underlying error) *Error {
	return &Error{
		Code:       code,
		underlying: underlying,
	}
}

// Errorf creates an Error with the given code and a formatted description
func Errorf(code Code, f string, args ...interface{}) *Error {
	return &Error{
		Code: code,
		msg:  fmt.Sprintf(f, args...),
	}
}

// Wrapf creates an Error with the given code, a formatted description and an
// underlying cause
func Wrapf(code Code, underlying error, f string, args ...interface{}) *Error {
	return &Error{
		Code:       code,
		msg:        fmt.Sprintf(f, args...),
		underlying: underlying,
	}
}

func (e *Error) Error() string {
	s := e.Code.String()
	if e.msg != "" {
		s = s + ": " + e.msg
	}
	if e.underlying != nil {
		s = fmt.Sprintf("%s (underlying: %v)", s, e.underlying)
	}
	return s
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.underlying
}

// Is reports whether target is the same Code, or an *Error with the same Code
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Code:
		return e.Code == t
	case *Error:
		return e.Code == t.Code
	}
	return false
}

// CodeOf returns the Code of the first *Error in err's chain, InternalError if err is
// non-nil but carries no Code, or 0 if err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return 0
	}
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return InternalError
}
