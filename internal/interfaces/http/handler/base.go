package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sellerdesk/backend/internal/domain/shared"
	"github.com/sellerdesk/backend/internal/interfaces/http/dto"
)

// BaseHandler provides common handler utilities
type BaseHandler struct{}

// kindErrorCode maps a failure classification to its API error code
var kindErrorCode = map[shared.FailureKind]string{
	shared.FailureTransientUpstream: dto.ErrCodeUpstreamUnavailable,
	shared.FailureRateLimited:       dto.ErrCodeRateLimited,
	shared.FailureInvalidCredential: dto.ErrCodeInvalidCredential,
	shared.FailureInvalidGrant:      dto.ErrCodeInvalidGrant,
	shared.FailureInvalidHandshake:  dto.ErrCodeInvalidHandshake,
	shared.FailureExpiredHandshake:  dto.ErrCodeExpiredHandshake,
	shared.FailureMalformedInput:    dto.ErrCodeBadRequest,
	shared.FailureCircuitOpen:       dto.ErrCodeCircuitOpen,
}

// Success sends a 200 response with the standard envelope
func (h *BaseHandler) Success(c *gin.Context, data any) {
	c.JSON(http.StatusOK, dto.NewSuccessResponse(data))
}

// Accepted sends a 202 response with the standard envelope
func (h *BaseHandler) Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, dto.NewSuccessResponse(data))
}

// Error sends an error response with an explicit status code
func (h *BaseHandler) Error(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, dto.NewErrorResponse(code, message))
}

// BadRequest sends a 400 response
func (h *BaseHandler) BadRequest(c *gin.Context, message string) {
	h.Error(c, http.StatusBadRequest, dto.ErrCodeBadRequest, message)
}

// InternalError sends a 500 response
func (h *BaseHandler) InternalError(c *gin.Context, message string) {
	h.Error(c, http.StatusInternalServerError, dto.ErrCodeInternal, message)
}

// HandleError maps domain and classified errors to HTTP responses.
// Rate-limited failures carry the retry hint in both the Retry-After header
// and the error body.
func (h *BaseHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	var classified *shared.ClassifiedError
	if errors.As(err, &classified) {
		code, ok := kindErrorCode[classified.Kind]
		if !ok {
			code = dto.ErrCodeInternal
		}
		response := dto.NewErrorResponse(code, classified.Message)
		if classified.Kind == shared.FailureRateLimited && classified.RetryAfter > 0 {
			response.Error.RetryAfter = classified.RetryAfter
			c.Header("Retry-After", strconv.Itoa(classified.RetryAfter))
		}
		c.JSON(dto.GetHTTPStatus(code), response)
		return
	}

	var domainErr *shared.DomainError
	if errors.As(err, &domainErr) {
		c.JSON(dto.GetHTTPStatus(domainErr.Code), dto.NewErrorResponse(domainErr.Code, domainErr.Message))
		return
	}

	h.InternalError(c, "An unexpected error occurred")
}
