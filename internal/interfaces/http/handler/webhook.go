package handler

import (
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appingestion "github.com/sellerdesk/backend/internal/application/ingestion"
)

// maxWebhookBody bounds inbound webhook payloads
const maxWebhookBody = 64 * 1024

// WebhookHandler accepts marketplace webhook deliveries
type WebhookHandler struct {
	BaseHandler
	service *appingestion.WebhookService
	logger  *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(service *appingestion.WebhookService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// RegisterRoutes registers webhook routes
func (h *WebhookHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhooks/marketplace", h.Receive)
}

// Receive handles POST /webhooks/marketplace. Fresh and duplicate deliveries
// both acknowledge with 200 so the upstream stops redelivering; only storage
// failures return 5xx and invite a redelivery.
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.BadRequest(c, "failed to read request body")
		return
	}

	result, err := h.service.Receive(c.Request.Context(), body)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, result)
}
