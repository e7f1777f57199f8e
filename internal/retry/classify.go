package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
)

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type transienter interface {
	Transient() bool
}

// IsRetryableHTTPStatus reports whether an upstream HTTP status is worth
// another attempt.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsTransient classifies err. Timeouts, network failures, retryable HTTP
// statuses and errors marked with Transient are transient; validation
// errors, other HTTP statuses and cancellation are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var t transienter
	if errors.As(err, &t) {
		return t.Transient()
	}
	var sc httpStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
