package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for the relay domain.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrNoEligibleGroup     = errors.New("no eligible group")
	ErrRateLimited         = errors.New("rate limited")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("upstream timeout")
	ErrBadRequest          = errors.New("bad request")
	ErrKeyDisabled         = errors.New("proxy key disabled")
)

// RateLimitError reports an RPM rejection with a retry hint.
// Unwraps to ErrRateLimited so errors.Is keeps working.
type RateLimitError struct {
	Scope      string // "proxy_key" or "api_key"
	Limit      int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s rate limited (limit %d/min, retry after %s)", e.Scope, e.Limit, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// HTTPStatus maps a relay error to the status code reported to clients.
// This is the single place error kinds and status codes meet.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrKeyDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoEligibleGroup):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return 499 // client closed request, nginx convention
	default:
		return http.StatusInternalServerError
	}
}
