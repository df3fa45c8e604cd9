// Package errs defines the error kinds used across the pubsub/tracker fabric.
package errs

import (
	"fmt"
)

// Kind identifies the category of a fabric error, independent of message text.
type Kind int

const (
	_ Kind = iota
	AlreadyTracked
	NotTracked
	UnknownPeer
	TransportUnreachable
	DeadHandle
	ConfigInvalid
)

func (k Kind) String() string {
	switch k {
	case AlreadyTracked:
		return "already_tracked"
	case NotTracked:
		return "not_tracked"
	case UnknownPeer:
		return "unknown_peer"
	case TransportUnreachable:
		return "transport_unreachable"
	case DeadHandle:
		return "dead_handle"
	case ConfigInvalid:
		return "config_invalid"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with context. Use errors.Is against the sentinel values
// below, or As to recover the Kind and message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, errs.AlreadyTrackedErr) style checks by comparing Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinel values for errors.Is comparisons (Message/Err ignored by Is).
var (
	ErrAlreadyTracked       = &Error{Kind: AlreadyTracked}
	ErrNotTracked           = &Error{Kind: NotTracked}
	ErrUnknownPeer          = &Error{Kind: UnknownPeer}
	ErrTransportUnreachable = &Error{Kind: TransportUnreachable}
	ErrDeadHandle           = &Error{Kind: DeadHandle}
	ErrConfigInvalid        = &Error{Kind: ConfigInvalid}
)

// BroadcastError is the panic-carrying type used by the Facade's raising
// variants (BroadcastFrom!/Broadcast! in the source terminology — here,
// MustBroadcast/MustBroadcastFrom/MustDirectBroadcast).
type BroadcastError struct {
	Cause error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast error: %v", e.Cause)
}

func (e *BroadcastError) Unwrap() error { return e.Cause }

// AsBroadcastError panics with a *BroadcastError wrapping err if err != nil.
func AsBroadcastError(err error) {
	if err != nil {
		panic(&BroadcastError{Cause: err})
	}
}
