package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Kind classifies a gateway error.
type Kind int

const (
	// KindPermanent errors will fail again if retried unchanged.
	KindPermanent Kind = iota
	// KindTransient errors (rate limits, overload, timeouts, network
	// faults) may succeed on retry.
	KindTransient
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a transient error.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a permanent error.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsTransient reports whether err is worth retrying. Unclassified network
// errors count as transient; context cancellation never does.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind == KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// KindForStatus classifies an HTTP status code from a model API.
func KindForStatus(status int) Kind {
	switch {
	case status == 408, status == 409, status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindPermanent
	}
}
