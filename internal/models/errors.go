package models

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Sentinel errors shared across broker, worker and HTTP layers.
var (
	ErrConfigNotFound    = errors.New("configuration not found")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrQueueNotFound     = errors.New("queue not found")
	ErrNoMessage         = errors.New("no messages in queue")
	ErrPayloadInvalid    = errors.New("payload invalid")
	ErrMessageNotFound   = errors.New("message not found")
)

// ValidationError marks a bad request body or query; mapped to HTTP 400.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "validation error: " + e.Detail }

// NewValidationError builds a ValidationError with a formatted detail.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// HTTPError is a non-2xx upstream response. The worker classifies it into
// transient / conflict / fatal to pick the retry route.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d for %s", e.StatusCode, e.URL)
}

// AsHTTPError unwraps an HTTPError if err carries one.
func AsHTTPError(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// IsTransient reports whether a fault is worth retrying: connection faults,
// DNS failures, timeouts and HTTP 408/502/503/504.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if he, ok := AsHTTPError(err); ok {
		switch he.StatusCode {
		case 408, 502, 503, 504:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}

// IsConflict reports an HTTP 409, treated as partial success on uploads.
func IsConflict(err error) bool {
	he, ok := AsHTTPError(err)
	return ok && he.StatusCode == 409
}

// IsUpstreamFatal reports a non-retryable upstream rejection (4xx other than
// 408 and 409). Fatal faults dead-letter on first occurrence.
func IsUpstreamFatal(err error) bool {
	he, ok := AsHTTPError(err)
	if !ok {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500 &&
		he.StatusCode != 408 && he.StatusCode != 409
}
