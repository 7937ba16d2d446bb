package analyzer

import (
	"errors"
	"fmt"
)

// ErrorKind classifies LLM upstream failures. The tag is assigned once at the
// HTTP boundary; everything downstream matches on the tag, never on message
// substrings.
type ErrorKind string

const (
	KindRateLimit      ErrorKind = "rate_limit"
	KindOverloaded     ErrorKind = "overloaded"
	KindQuota          ErrorKind = "quota"
	KindTimeout        ErrorKind = "timeout"
	KindAuth           ErrorKind = "auth"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindInputTooLarge  ErrorKind = "input_too_large"
	KindModelNotFound  ErrorKind = "model_not_found"
	KindTransient      ErrorKind = "transient"
)

// APIError is a tagged LLM upstream failure.
type APIError struct {
	Kind   ErrorKind
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Detail)
}

// Retryable reports whether this failure class is worth another attempt.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindOverloaded, KindQuota, KindTimeout, KindTransient:
		return true
	default:
		return false
	}
}

// ErrKind extracts the ErrorKind from err, or KindTransient if err is not a
// tagged APIError.
func ErrKind(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}
