package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a transport failure so callers can pick the right
// recovery path: retry with backoff, fail terminally, or defer.
type Kind int

const (
	// KindTransient covers timeouts, connection failures and 5xx
	// responses. Retried with exponential backoff.
	KindTransient Kind = iota

	// KindRejected covers 4xx business-rule failures (e.g. stale
	// record). Never retried automatically.
	KindRejected

	// KindDependency covers 404s caused by a parent entity that has not
	// synced yet. Treated as "defer", not failure: retried on the next
	// cycle without burning an attempt.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindDependency:
		return "dependency"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind    Kind
	Status  int // HTTP status, 0 for network-level failures
	Message string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s error (HTTP %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// classifyStatus maps an HTTP error status to an Error.
func classifyStatus(status int, message string) *Error {
	switch {
	case status == http.StatusNotFound:
		return &Error{Kind: KindDependency, Status: status, Message: message}
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		return &Error{Kind: KindTransient, Status: status, Message: message}
	default:
		return &Error{Kind: KindRejected, Status: status, Message: message}
	}
}

// classifyNetErr wraps a network-level failure (no HTTP response) as
// transient, preserving context cancellation untouched so callers can
// distinguish an aborted pass from a flaky link.
func classifyNetErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ne net.Error
	_ = errors.As(err, &ne)
	return &Error{Kind: KindTransient, Message: err.Error()}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindTransient
}

// IsRejected reports whether err is a server business-rule rejection.
func IsRejected(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindRejected
}

// IsDependency reports whether err means a referenced parent has not
// synced yet.
func IsDependency(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == KindDependency
}
