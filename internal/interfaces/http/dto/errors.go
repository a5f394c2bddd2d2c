package dto

import "net/http"

// Error codes surfaced by the API
const (
	ErrCodeInternal   = "INTERNAL"
	ErrCodeBadRequest = "BAD_REQUEST"

	// Domain error codes pass through verbatim
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeReprocessBlocked = "REPROCESS_BLOCKED"

	// Upstream failure classifications
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeCircuitOpen         = "CIRCUIT_OPEN"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	ErrCodeInvalidHandshake    = "INVALID_HANDSHAKE"
	ErrCodeExpiredHandshake    = "EXPIRED_HANDSHAKE"
	ErrCodeInvalidGrant        = "INVALID_GRANT"
	ErrCodeInvalidCredential   = "INVALID_CREDENTIAL"
)

// errorCodeHTTPStatus maps error codes to HTTP status codes
var errorCodeHTTPStatus = map[string]int{
	ErrCodeInternal:   http.StatusInternalServerError,
	ErrCodeBadRequest: http.StatusBadRequest,

	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeAlreadyExists:    http.StatusConflict,
	ErrCodeInvalidInput:     http.StatusBadRequest,
	ErrCodeInvalidState:     http.StatusConflict,
	ErrCodeReprocessBlocked: http.StatusConflict,

	ErrCodeRateLimited:         http.StatusTooManyRequests,
	ErrCodeCircuitOpen:         http.StatusServiceUnavailable,
	ErrCodeUpstreamUnavailable: http.StatusBadGateway,
	ErrCodeInvalidHandshake:    http.StatusBadRequest,
	ErrCodeExpiredHandshake:    http.StatusGone,
	ErrCodeInvalidGrant:        http.StatusUnprocessableEntity,
	ErrCodeInvalidCredential:   http.StatusUnprocessableEntity,
}

// GetHTTPStatus returns the HTTP status for an error code, 500 for unknown codes
func GetHTTPStatus(code string) int {
	if status, ok := errorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}
