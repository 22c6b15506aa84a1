package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/zep-us/docindexer/internal/worker"
)

// Kind classifies transport failures.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindThrottled  Kind = "throttled"
	KindConnection Kind = "connection"
	KindRejected   Kind = "rejected"
	KindMalformed  Kind = "malformed"
	KindClosed     Kind = "closed"
)

// Retryable reports whether a call failing with this kind may succeed when
// resubmitted unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindThrottled, KindConnection:
		return true
	default:
		return false
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind Kind
	// Op is the call that failed, e.g. "bulk" or "index".
	Op string
	// Status is the HTTP-style status returned by the cluster, 0 when the
	// call never got a response.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether resubmitting may help.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// IsRetryable reports whether err is a retryable transport failure.
// Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// KindOf returns the classification of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// statusKind maps an HTTP status of a failed call to a Kind.
func statusKind(status int) Kind {
	switch status {
	case http.StatusTooManyRequests:
		return KindThrottled
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return KindConnection
	default:
		return KindRejected
	}
}

// networkError classifies an error returned before any response arrived.
func networkError(op string, err error) *Error {
	kind := KindConnection
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// rejected classifies a refusal of the local worker pool.
func rejected(op string, err error) *Error {
	if errors.Is(err, worker.ErrStopped) {
		return &Error{Kind: KindClosed, Op: op, Err: err}
	}
	// A full queue behaves like cluster-side throttling: try again later.
	return &Error{Kind: KindThrottled, Op: op, Err: err}
}
