// ABOUTME: Error taxonomy shared by the discovery proxy and the query gateway
// ABOUTME: Maps each failure kind to an HTTP status and a stream error category

package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure into one of the user-facing categories.
type Kind int

const (
	// KindUnknown is the zero value; treated like AgentExecution when surfaced.
	KindUnknown Kind = iota
	// KindUnauthorized means the bearer token is missing or malformed.
	KindUnauthorized
	// KindUpstreamAuth means the token is valid but lacks permission on a resource.
	KindUpstreamAuth
	// KindNotFound means the referenced project or dataset does not exist or is not accessible.
	KindNotFound
	// KindUpstreamUnavailable covers transient upstream failures and timeouts.
	KindUpstreamUnavailable
	// KindConfiguration means required request parameters are absent.
	KindConfiguration
	// KindAgentExecution covers LLM and tool-call failures mid-session.
	KindAgentExecution
)

// String returns the category name.
func (k Kind) String() string {
	return k.Category()
}

// Category returns the wire name used in JSON error bodies and error stream events.
func (k Kind) Category() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindNotFound:
		return "not_found"
	case KindUpstreamUnavailable:
		return "upstream_unavailable"
	case KindConfiguration:
		return "configuration"
	default:
		return "agent_execution"
	}
}

// HTTPStatus returns the status code used when the failure is reported as an HTTP response.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamAuth:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamUnavailable:
		return http.StatusBadGateway
	case KindConfiguration:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure with a human-readable message.
// Message is safe to show to users; Err carries the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Category(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Category(), e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, apierr.NotFound("")) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Unauthorized returns a KindUnauthorized error.
func Unauthorized(message string) *Error { return New(KindUnauthorized, message) }

// NotFound returns a KindNotFound error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Configuration returns a KindConfiguration error.
func Configuration(message string) *Error { return New(KindConfiguration, message) }

// KindOf reports the kind of err. Context deadline errors count as upstream
// unavailability; anything unclassified is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamUnavailable
	}
	return KindUnknown
}

// Message returns a message suitable for users. Unclassified errors get a
// generic message so upstream internals never leak into responses.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream call timed out"
	}
	return "internal error"
}
