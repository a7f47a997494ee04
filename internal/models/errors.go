package models

import "errors"

// Stable error kinds. The HTTP edge translates these to status codes;
// everything below the edge wraps them with %w and context.
var (
	ErrValidation          = errors.New("validation error")
	ErrTickerNotFound      = errors.New("ticker not found")
	ErrClientNotFound      = errors.New("client not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrTimeout             = errors.New("timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")

	// ErrNotFound is the generic repository miss; callers map it to the
	// specific ticker/client variant at the orchestrator boundary.
	ErrNotFound = errors.New("not found")
)

// Kind returns the stable wire name for a known error kind, or "InternalError".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "ValidationError"
	case errors.Is(err, ErrTickerNotFound):
		return "TickerNotFound"
	case errors.Is(err, ErrClientNotFound):
		return "ClientNotFound"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "UpstreamUnavailable"
	default:
		return "InternalError"
	}
}
