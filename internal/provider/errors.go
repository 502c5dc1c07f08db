package provider

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound    = errors.New("resource not found")
	ErrRateLimited = errors.New("rate limited")
	ErrUnavailable = errors.New("service temporarily unavailable")
)

// Error carries the failing operation and, for HTTP-backed providers, the status code.
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func statusOf(err error) int {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Status
	}
	return 0
}

// IsRateLimited reports a rejection that happened before the request ran.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited) || statusOf(err) == http.StatusTooManyRequests
}

// IsRetryable reports rate limits, 5xx responses and transient unavailability.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsRateLimited(err) || errors.Is(err, ErrUnavailable) {
		return true
	}
	return statusOf(err) >= 500
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || statusOf(err) == http.StatusNotFound
}
