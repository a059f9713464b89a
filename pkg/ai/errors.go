// Package ai provides common types and utilities shared by the LLM and TTS
// provider implementations: the error taxonomy used to classify provider
// failures and the helpers the conversation engine uses when it decides how
// to degrade.
package ai

import (
	"context"
	"errors"
	"net"
)

// Common error types used across AI providers
var (
	// ErrRecoverable indicates a temporary failure that may succeed later.
	// Examples: network timeout, rate limiting, temporary service unavailability.
	// Within a single call turn it is still treated as a failure; the next
	// turn simply tries the provider again.
	ErrRecoverable = errors.New("recoverable AI provider error")

	// ErrFatal indicates a permanent failure that will not succeed if retried.
	// Examples: invalid API key, unsupported voice, malformed request.
	ErrFatal = errors.New("fatal AI provider error")

	// ErrNotConfigured is returned by providers whose credentials were
	// missing at startup. The rest of the process keeps serving calls.
	ErrNotConfigured = errors.New("AI provider not configured")
)

// IsRecoverable checks if an error is recoverable
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrRecoverable)
}

// IsFatal checks if an error is fatal
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

// RetryableError wraps an underlying error with retry classification
type RetryableError struct {
	Underlying error
	Retryable  bool
	Message    string
}

func (e *RetryableError) Error() string {
	if e.Message != "" {
		if e.Underlying != nil {
			return e.Message + ": " + e.Underlying.Error()
		}
		return e.Message
	}
	if e.Underlying == nil {
		return "AI provider error"
	}
	return e.Underlying.Error()
}

// Unwrap exposes both the classification sentinel and the underlying error.
func (e *RetryableError) Unwrap() []error {
	class := ErrFatal
	if e.Retryable {
		class = ErrRecoverable
	}
	if e.Underlying == nil {
		return []error{class}
	}
	return []error{class, e.Underlying}
}

// NewRecoverableError creates a recoverable error with context
func NewRecoverableError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  true,
		Message:    message,
	}
}

// NewFatalError creates a fatal error with context
func NewFatalError(underlying error, message string) error {
	return &RetryableError{
		Underlying: underlying,
		Retryable:  false,
		Message:    message,
	}
}

// Classify wraps err as recoverable or fatal based on what it looks like.
// Timeouts, cancellations and network errors are recoverable; everything
// else is fatal. Errors that are already classified pass through unchanged.
func Classify(err error, message string) error {
	if err == nil {
		return nil
	}
	if IsRecoverable(err) || IsFatal(err) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return NewRecoverableError(err, message)
	default:
		return NewFatalError(err, message)
	}
}
