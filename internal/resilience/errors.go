// Package resilience provides the pipeline error taxonomy, retry with backoff,
// and a circuit breaker for external service calls.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// TransientError wraps an error safe to retry (timeouts, 5xx, connection resets).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// RateLimitError wraps a provider quota rejection (429). Retryable, but with
// a longer backoff than other transient failures.
type RateLimitError struct {
	Err      error
	Provider string
}

func (e *RateLimitError) Error() string { return e.Err.Error() }
func (e *RateLimitError) Unwrap() error { return e.Err }

// NewRateLimitError wraps an error as a provider rate-limit rejection.
func NewRateLimitError(err error, provider string) *RateLimitError {
	return &RateLimitError{Err: err, Provider: provider}
}

// ValidationError marks content that failed structural, semantic, or
// hospital-match checks. Non-retryable within a run; the hospital proceeds to
// the next candidate or ends not_found.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Reason }

// NewValidationError creates a ValidationError with the given reason.
func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

// ParseError marks a corrupt or unreadable file. Non-retryable.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string { return "parse " + e.Path + ": " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// NewParseError wraps a file parsing failure.
func NewParseError(path string, err error) *ParseError {
	return &ParseError{Path: path, Err: err}
}

// ConfigurationError is fatal: missing credentials or invalid thresholds abort
// the batch before any hospital is claimed.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps a fatal configuration problem.
func NewConfigurationError(msg string) *ConfigurationError {
	return &ConfigurationError{Err: eris.New(msg)}
}

// IsRateLimited reports whether the error chain contains a RateLimitError.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsConfiguration reports whether the error chain contains a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRetryable reports whether the error is safe to retry: an explicit
// TransientError or RateLimitError, a network timeout, a connection-level
// failure, or a wrapped error matching common transient patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if IsRateLimited(err) {
		return true
	}

	var ve *ValidationError
	var pe *ParseError
	if errors.As(err, &ve) || errors.As(err, &pe) || IsConfiguration(err) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsRetryableHTTPStatus reports whether the HTTP status indicates a transient
// server-side problem. 429 is classified separately as a rate limit.
func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
