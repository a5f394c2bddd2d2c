package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/infrastructure/oauth"
)

// OAuthHandler drives the marketplace account linking flow
type OAuthHandler struct {
	BaseHandler
	flow   *oauth.FlowManager
	logger *zap.Logger
}

// NewOAuthHandler creates a new OAuthHandler
func NewOAuthHandler(flow *oauth.FlowManager, logger *zap.Logger) *OAuthHandler {
	return &OAuthHandler{flow: flow, logger: logger}
}

// RegisterRoutes registers oauth routes
func (h *OAuthHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/oauth/authorize", h.Authorize)
	rg.GET("/oauth/callback", h.Callback)
}

// authorizeRequest binds the authorize query parameters
type authorizeRequest struct {
	TenantID string `form:"tenant_id" binding:"omitempty,uuid"`
	Primary  bool   `form:"primary"`
}

// linkedAccountResponse is the callback success payload
type linkedAccountResponse struct {
	CredentialID      string `json:"credential_id"`
	MarketplaceUserID string `json:"marketplace_user_id"`
	TenantID          string `json:"tenant_id"`
	Active            bool   `json:"active"`
}

// Authorize handles GET /oauth/authorize, redirecting the seller to the
// marketplace consent page.
func (h *OAuthHandler) Authorize(c *gin.Context) {
	var req authorizeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.BadRequest(c, "tenant_id must be a valid UUID")
		return
	}

	var tenantID *uuid.UUID
	if req.TenantID != "" {
		parsed, err := uuid.Parse(req.TenantID)
		if err != nil {
			h.BadRequest(c, "tenant_id must be a valid UUID")
			return
		}
		tenantID = &parsed
	}

	redirect, err := h.flow.BeginAuthorization(c.Request.Context(), tenantID, req.Primary)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	c.Redirect(http.StatusFound, redirect)
}

// Callback handles GET /oauth/callback, completing the handshake and storing
// the delegated credential.
func (h *OAuthHandler) Callback(c *gin.Context) {
	if upstreamErr := c.Query("error"); upstreamErr != "" {
		h.logger.Warn("authorization denied upstream",
			zap.String("error", upstreamErr),
			zap.String("description", c.Query("error_description")),
		)
		h.BadRequest(c, "authorization was denied: "+upstreamErr)
		return
	}

	cred, err := h.flow.CompleteAuthorization(c.Request.Context(), c.Query("code"), c.Query("state"))
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.Success(c, linkedAccountResponse{
		CredentialID:      cred.ID.String(),
		MarketplaceUserID: cred.MarketplaceUserID,
		TenantID:          cred.TenantID.String(),
		Active:            cred.IsActive,
	})
}
