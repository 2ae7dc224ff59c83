// Package terr defines the error taxonomy the tunnel core uses to decide
// how a failure propagates: swallowed and retried locally, surfaced to the
// peer as a control message, fatal to the session, or fatal to the process.
package terr

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies an error the way the control protocol and session state
// machines need to react to it. The names mirror the taxonomy in the
// project's design notes; they are not exhaustive of every error value that
// can occur, only of the ones call sites branch on.
type Kind string

const (
	KindConfig               Kind = "config_error"
	KindTransport            Kind = "transport_error"
	KindAuth                 Kind = "auth_error"
	KindProtocol             Kind = "protocol_error"
	KindValidation           Kind = "validation_error"
	KindRegistrationConflict Kind = "registration_conflict"
	KindBind                 Kind = "bind_error"
	KindIdleTimeout          Kind = "idle_timeout"
	KindCancelled            Kind = "cancelled"
	KindRemoteClosed         Kind = "remote_closed"
)

// BindSubKind further classifies a KindBind error, per the component design
// for the public listener's bounded retry schedule.
type BindSubKind string

const (
	BindAddrInUse        BindSubKind = "addr_in_use"
	BindPermissionDenied BindSubKind = "permission_denied"
	BindOther            BindSubKind = "other"
)

// Error is the concrete error type produced by this module. It wraps an
// underlying cause (often from pkg/errors, which preserves a stack) and
// tags it with a Kind so callers can switch on it with errors.As.
type Error struct {
	Kind    Kind
	Bind    BindSubKind // only meaningful when Kind == KindBind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries cause as its chain, wrapped with a
// pkg/errors stack trace recorded at the call site.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Bind builds a KindBind error with the given sub-kind, classifying the
// listener failure the way the bind-retry loop needs.
func Bind(sub BindSubKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindBind, Bind: sub, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// ClassifyBindError inspects a net.Listen-style error and returns the
// appropriate BindSubKind. It is deliberately conservative: anything it
// cannot recognize becomes BindOther, which still drives the bind-retry loop.
func ClassifyBindError(err error) BindSubKind {
	if err == nil {
		return BindOther
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "address already in use", "bind: address already in use", "EADDRINUSE"):
		return BindAddrInUse
	case containsAny(msg, "permission denied", "EACCES"):
		return BindPermissionDenied
	default:
		return BindOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
