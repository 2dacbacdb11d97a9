package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a backend failure.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota
	// KindTransient failures are retried later; the action stays queued.
	KindTransient
	// KindPermanent failures are rejected by the backend; retrying as-is
	// will not help.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// UniqueViolation is the Postgres error code of a uniqueness conflict.
const UniqueViolation = "23505"

// Error is the only error type that crosses the backend boundary.
type Error struct {
	Kind       Kind
	Op         string
	Collection string
	Status     int    // HTTP status, 0 for transport failures
	Code       string // Postgres or PostgREST error code
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d, %s)", e.Op, e.Collection, msg, e.Status, e.Kind)
	}
	return fmt.Sprintf("%s %s: %s (%s)", e.Op, e.Collection, msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Conflict reports whether the failure is a uniqueness conflict.
func (e *Error) Conflict() bool {
	return e.Status == http.StatusConflict || e.Code == UniqueViolation
}

// StatusKind classifies an HTTP status.
func StatusKind(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindNone
	case status == 0,
		status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}

// KindOf classifies any error. Non-backend errors are classified by
// inspection: timeouts, cancellations and network failures are transient,
// everything else permanent.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindPermanent
}

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	var be *Error
	return errors.As(err, &be) && be.Conflict()
}

// Transient builds a transient error for op on collection.
func Transient(op, collection string, err error) *Error {
	return &Error{Kind: KindTransient, Op: op, Collection: collection, Err: err}
}

// Permanent builds a permanent error for op on collection.
func Permanent(op, collection string, status int, code, message string) *Error {
	return &Error{Kind: KindPermanent, Op: op, Collection: collection, Status: status, Code: code, Message: message}
}
