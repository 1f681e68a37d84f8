// Package errclass defines the closed taxonomy of errors that every layer of
// the dial stack and protocol engine returns, mirroring the Err enum of
// measurement-kit/libndt (see original_source/libndt.hpp in the retrieval
// pack this module was built from). Every layer maps its own failures onto
// this taxonomy at its boundary; nothing above internal/netio should ever
// see a raw syscall.Errno or net.OpError.
package errclass

import "fmt"

// Kind is a closed set of error classes. The zero value, KindNone, is never
// used as an actual error (see None below); it exists so that a zero Kind
// reads as "no error" rather than as some arbitrary member of the set.
type Kind int

// The error kinds, grouped as in spec.md's Data Model: errno-class, DNS
// class, TLS class, and library-specific misc errors.
const (
	KindNone Kind = iota

	// errno-class
	KindBrokenPipe
	KindConnectionAborted
	KindConnectionRefused
	KindConnectionReset
	KindFunctionNotSupported
	KindHostUnreachable
	KindInterrupted
	KindInvalidArgument
	KindIOError
	KindMessageSize
	KindNetworkDown
	KindNetworkReset
	KindNetworkUnreachable
	KindOperationInProgress
	KindOperationWouldBlock
	KindTimedOut
	KindValueTooLarge

	// DNS class
	KindAIGeneric
	KindAIAgain
	KindAIFail
	KindAINoName

	// TLS class
	KindSSLGeneric
	KindSSLWantRead
	KindSSLWantWrite
	KindSSLSyscall

	// misc
	KindEOF
	KindSocks5h
	KindWSProto
)

var kindNames = map[Kind]string{
	KindNone:                 "none",
	KindBrokenPipe:           "broken_pipe",
	KindConnectionAborted:    "connection_aborted",
	KindConnectionRefused:    "connection_refused",
	KindConnectionReset:      "connection_reset",
	KindFunctionNotSupported: "function_not_supported",
	KindHostUnreachable:      "host_unreachable",
	KindInterrupted:          "interrupted",
	KindInvalidArgument:      "invalid_argument",
	KindIOError:              "io_error",
	KindMessageSize:          "message_size",
	KindNetworkDown:          "network_down",
	KindNetworkReset:         "network_reset",
	KindNetworkUnreachable:   "network_unreachable",
	KindOperationInProgress:  "operation_in_progress",
	KindOperationWouldBlock:  "operation_would_block",
	KindTimedOut:             "timed_out",
	KindValueTooLarge:        "value_too_large",
	KindAIGeneric:            "ai_generic",
	KindAIAgain:              "ai_again",
	KindAIFail:               "ai_fail",
	KindAINoName:             "ai_noname",
	KindSSLGeneric:           "ssl_generic",
	KindSSLWantRead:          "ssl_want_read",
	KindSSLWantWrite:         "ssl_want_write",
	KindSSLSyscall:           "ssl_syscall",
	KindEOF:                  "eof",
	KindSocks5h:              "socks5h",
	KindWSProto:              "ws_proto",
}

// String returns the wire-taxonomy name of the kind, e.g. "connection_reset".
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Err is a structured error: a Kind plus an optional cause. Per spec.md §9's
// design note, layers never collapse to a bool at a boundary internal to the
// stack -- only client.Client.Run's public return value does that.
type Err struct {
	Kind  Kind
	Cause error
}

// Error implements the error interface.
func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

// Unwrap allows errors.Is/errors.As to see through to the underlying cause.
func (e *Err) Unwrap() error { return e.Cause }

// Is reports whether target is an *Err with the same Kind, so callers can
// write errors.Is(err, errclass.New(errclass.KindTimedOut)).
func (e *Err) Is(target error) bool {
	other, ok := target.(*Err)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// New wraps kind with no cause.
func New(kind Kind) *Err { return &Err{Kind: kind} }

// Wrap wraps kind with cause. It always returns a non-nil *Err, even when
// cause is nil, so call it only when err is known non-nil; call sites that
// aren't sure use WrapIf.
func Wrap(kind Kind, cause error) *Err { return &Err{Kind: kind, Cause: cause} }

// WrapIf returns nil if cause is nil, else Wrap(kind, cause).
func WrapIf(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return Wrap(kind, cause)
}

// None reports whether err represents the absence of an error, matching the
// C++ source's Err::none sentinel: a nil error, or an *Err whose Kind is
// KindNone.
func None(err error) bool {
	if err == nil {
		return true
	}
	if e, ok := err.(*Err); ok {
		return e.Kind == KindNone
	}
	return false
}

// KindOf extracts the Kind of err, or KindIOError if err is a non-nil error
// that was never classified (should not happen if every layer maps its
// errors at its boundary, but keeps KindOf total).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if e, ok := err.(*Err); ok {
		return e.Kind
	}
	return KindIOError
}
