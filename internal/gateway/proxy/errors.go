package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker"
)

var (
	// ErrClientCanceled means the caller went away before the upstream answered
	ErrClientCanceled = errors.New("client canceled request")

	// ErrUpstreamUnavailable matches every *UpstreamError
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrInvalidTarget is returned for catalog entries with an unusable base URL
	ErrInvalidTarget = errors.New("invalid upstream base URL")
)

// UpstreamError describes a failed upstream call. It is logged, never shown to callers.
type UpstreamError struct {
	API    string
	Target string
	Reason string
	Cause  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s (%s) %s: %v", e.API, e.Target, e.Reason, e.Cause)
}

func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

// classify names the failure for logs and metrics
func classify(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, ErrInvalidTarget):
		return "invalid_target"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "connection"
	}
}
