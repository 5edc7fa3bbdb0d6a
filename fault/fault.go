// Package fault classifies pipeline failures.
//
// Every failure that crosses a component boundary is one of three kinds:
//
//   - Transient: connection errors, timeouts, HTTP 5xx and 429. Retried with
//     backoff and counted by circuit breakers.
//   - Permanent: validation, auth, not-found, duplicate. Surfaced at once and
//     never retried.
//   - Systemic: local persistence failures. Logged; the owning store stays
//     dirty and retries on its next save cycle.
//
// Errors that carry no classification are Unknown and treated as retryable.
package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind is the failure class of an error.
type Kind int

const (
	Unknown Kind = iota
	Transient
	Permanent
	Systemic
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Systemic:
		return "systemic"
	default:
		return "unknown"
	}
}

// Codes narrow a Kind down to the condition that produced it.
const (
	CodeTimeout      = "timeout"
	CodeCanceled     = "canceled"
	CodeConnection   = "connection"
	CodeDNS          = "dns"
	CodeServer       = "server_error"
	CodeRateLimited  = "rate_limited"
	CodeValidation   = "validation"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeNotFound     = "not_found"
	CodeDuplicate    = "duplicate"
	CodeCircuitOpen  = "circuit_open"
	CodePersistence  = "persistence"
	CodeUnclassified = "unclassified"
)

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // operation that failed, e.g. "remote.create"
	Code   string
	Status int // HTTP status when the failure came from a response
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if msg != "" {
		msg += ": "
	}
	msg += e.Kind.String() + " " + e.Code
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err explicitly.
func Wrap(kind Kind, op, code string, err error) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Err: err}
}

// TransientErr, PermanentErr and SystemicErr are shorthands for Wrap.
func TransientErr(op, code string, err error) *Error { return Wrap(Transient, op, code, err) }

func PermanentErr(op, code string, err error) *Error { return Wrap(Permanent, op, code, err) }

func SystemicErr(op string, err error) *Error { return Wrap(Systemic, op, CodePersistence, err) }

// FromStatus maps an HTTP response status onto the taxonomy.
// 5xx and 429 are transient; 400, 401, 403, 404, 409 and 422 are permanent.
// Any other non-2xx status is left Unknown.
func FromStatus(op string, status int, err error) *Error {
	e := &Error{Op: op, Status: status, Err: err}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind, e.Code = Transient, CodeRateLimited
	case status >= 500:
		e.Kind, e.Code = Transient, CodeServer
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		e.Kind, e.Code = Permanent, CodeValidation
	case status == http.StatusUnauthorized:
		e.Kind, e.Code = Permanent, CodeUnauthorized
	case status == http.StatusForbidden:
		e.Kind, e.Code = Permanent, CodeForbidden
	case status == http.StatusNotFound:
		e.Kind, e.Code = Permanent, CodeNotFound
	case status == http.StatusConflict:
		e.Kind, e.Code = Permanent, CodeDuplicate
	default:
		e.Kind, e.Code = Unknown, CodeUnclassified
	}
	return e
}

// Classify returns err as a *Error, inferring the kind from well-known
// network and context errors when err is not already classified.
// Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var (
		dnsErr *net.DNSError
		opErr  *net.OpError
		netErr net.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return TransientErr("", CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return TransientErr("", CodeCanceled, err)
	case errors.As(err, &dnsErr):
		return TransientErr("", CodeDNS, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return TransientErr("", CodeTimeout, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &opErr):
		return TransientErr("", CodeConnection, err)
	}
	return Wrap(Unknown, "", CodeUnclassified, err)
}

// KindOf reports the kind of err after classification.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	return Classify(err).Kind
}

// CodeOf reports the code of err after classification.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Code
}

// IsRetryable reports whether another attempt may succeed.
// An open circuit is not retryable in place: it is rejected without
// consuming an attempt and the caller backs off at a higher level.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	fe := Classify(err)
	if fe.Code == CodeCircuitOpen || fe.Code == CodeCanceled {
		return false
	}
	switch fe.Kind {
	case Permanent, Systemic:
		return false
	default:
		return true
	}
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool { return KindOf(err) == Permanent }

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool { return CodeOf(err) == CodeCircuitOpen }
