package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound      = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput  = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState  = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
)

// FailureKind classifies an upstream or coordination failure. Callers dispatch
// on the kind to decide between retry, backoff, deactivation and fail-fast.
type FailureKind string

const (
	// FailureTransientUpstream covers 5xx responses, network errors and timeouts.
	// Retried with backoff.
	FailureTransientUpstream FailureKind = "TRANSIENT_UPSTREAM"
	// FailureRateLimited covers upstream 429 responses and local ceiling hits.
	// Retried after the mandated delay, never discarded.
	FailureRateLimited FailureKind = "RATE_LIMITED"
	// FailureInvalidCredential covers 401/403 responses. Triggers a single
	// refresh-then-retry, then deactivation.
	FailureInvalidCredential FailureKind = "INVALID_CREDENTIAL"
	// FailureInvalidGrant covers invalid_grant-class token endpoint errors.
	// Terminal; the user must restart the authorization flow.
	FailureInvalidGrant FailureKind = "INVALID_GRANT"
	// FailureInvalidHandshake covers unknown or already-consumed state values.
	FailureInvalidHandshake FailureKind = "INVALID_HANDSHAKE"
	// FailureExpiredHandshake covers handshakes found past their expiry.
	FailureExpiredHandshake FailureKind = "EXPIRED_HANDSHAKE"
	// FailureMalformedInput is a caller error, surfaced immediately, never retried.
	FailureMalformedInput FailureKind = "MALFORMED_INPUT"
	// FailureCircuitOpen is a fail-fast decision; it is not a new upstream failure.
	FailureCircuitOpen FailureKind = "CIRCUIT_OPEN"
)

// ClassifiedError couples an error with its failure classification and an
// optional upstream-mandated retry delay (seconds, from a Retry-After hint).
type ClassifiedError struct {
	Kind       FailureKind
	Message    string
	RetryAfter int
	Cause      error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure may be retried by an automatic policy
func (e *ClassifiedError) Retryable() bool {
	switch e.Kind {
	case FailureTransientUpstream, FailureRateLimited, FailureCircuitOpen:
		return true
	default:
		return false
	}
}

// NewClassifiedError creates a classified error wrapping an optional cause
func NewClassifiedError(kind FailureKind, message string, cause error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: message, Cause: cause}
}

// Classify extracts the failure kind from an error chain.
// Unclassified errors are treated as transient so that automatic retry
// policies err on the side of another attempt.
func Classify(err error) FailureKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return FailureTransientUpstream
}

// IsRetryable reports whether an error chain carries a retryable classification
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return true
}
