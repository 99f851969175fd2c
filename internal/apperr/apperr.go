// Package apperr defines the error kinds shared across BrickChat
// components and their mapping to HTTP status codes.
//
// Components wrap one of the sentinel errors with context:
//
//	return fmt.Errorf("append to thread %s: %w", id, apperr.ErrNotFound)
//
// and callers classify with [errors.Is]. Anything that does not wrap a
// sentinel is treated as an internal error.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when a thread, message, agent, or object
	// does not exist (or is not visible to the caller).
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for malformed input: unknown
	// feedback type, unknown agent status, mode mismatch, bad upload.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrForbidden is returned when a non-admin calls an admin operation.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated is returned when no caller identity can be
	// resolved.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrNoAgentsAvailable is returned when autonomous routing is
	// requested but no agent is enabled.
	ErrNoAgentsAvailable = errors.New("no agents available")

	// ErrUpstreamUnavailable is returned when a model or agent endpoint
	// fails or times out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrSynthesisUnavailable is returned when every speech provider
	// failed for some chunk of a message.
	ErrSynthesisUnavailable = errors.New("speech synthesis unavailable")
)

// HTTPStatus maps err to the status code reported at the HTTP boundary.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNoAgentsAvailable):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrSynthesisUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns a short machine-readable name for err's kind, used as the
// "type" field of error responses and stream error events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrNoAgentsAvailable):
		return "no_agents_available"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrSynthesisUnavailable):
		return "synthesis_unavailable"
	default:
		return "internal"
	}
}

// Message returns the text safe to show a client for err. Kinds whose
// detail carries upstream response bodies or storage faults get a fixed
// message; the rest describe the caller's own input and pass through.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream unavailable"
	case errors.Is(err, ErrSynthesisUnavailable):
		return "speech synthesis unavailable"
	case HTTPStatus(err) == http.StatusInternalServerError:
		return "internal error"
	default:
		return err.Error()
	}
}
