// Package apierror defines the gateway's client-facing error taxonomy.
package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Kind classifies a pipeline failure
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindTooManyRequests
	KindUpstreamUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	default:
		return "internal"
	}
}

// Status returns the HTTP status for the kind
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a pipeline failure carrying a client-safe message.
// Cause is for logs only and is never written to the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrForbidden) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrForbidden           = &Error{Kind: KindForbidden, Message: "forbidden"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "not found"}
	ErrTooManyRequests     = &Error{Kind: KindTooManyRequests, Message: "too many requests"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Message: "upstream unavailable"}
	ErrInternal            = &Error{Kind: KindInternal, Message: "internal error"}
)

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func TooManyRequests(msg string) *Error {
	return &Error{Kind: KindTooManyRequests, Message: msg}
}

func UpstreamUnavailable(cause error) *Error {
	return &Error{Kind: KindUpstreamUnavailable, Message: "Failed to reach upstream API", Cause: cause}
}

func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "An unexpected error occurred", Cause: cause}
}

// KindOf returns the kind of err, KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Body is the JSON error payload
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Write renders err as a JSON error response. Internal and upstream
// failures always get a generic message.
func Write(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	status := kind.Status()

	msg := http.StatusText(status)
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	switch kind {
	case KindInternal:
		msg = "An unexpected error occurred"
	case KindUpstreamUnavailable:
		msg = "Failed to reach upstream API"
	}

	WriteJSON(w, status, Body{Error: http.StatusText(status), Message: msg})
}

// WriteJSON writes v as a JSON response with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
