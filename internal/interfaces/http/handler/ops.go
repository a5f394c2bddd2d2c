package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	appingestion "github.com/sellerdesk/backend/internal/application/ingestion"
	"github.com/sellerdesk/backend/internal/infrastructure/cache"
	"github.com/sellerdesk/backend/internal/infrastructure/gateway"
)

// OpsHandler exposes the operator surface: event inspection, manual
// reprocessing, and resilience-state resets.
type OpsHandler struct {
	BaseHandler
	webhooks *appingestion.WebhookService
	store    *cache.TieredCache
	breaker  *gateway.CircuitBreaker
	limiter  *gateway.RateLimiter
	logger   *zap.Logger
}

// NewOpsHandler creates a new OpsHandler
func NewOpsHandler(
	webhooks *appingestion.WebhookService,
	store *cache.TieredCache,
	breaker *gateway.CircuitBreaker,
	limiter *gateway.RateLimiter,
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		webhooks: webhooks,
		store:    store,
		breaker:  breaker,
		limiter:  limiter,
		logger:   logger,
	}
}

// RegisterRoutes registers operator routes
func (h *OpsHandler) RegisterRoutes(rg *gin.RouterGroup) {
	ops := rg.Group("/ops")
	{
		ops.GET("/events/:id", h.GetEvent)
		ops.POST("/events/:id/reprocess", h.ReprocessEvent)
		ops.GET("/queue/stats", h.QueueStats)
		ops.GET("/cache/stats", h.CacheStats)
		ops.POST("/cache/invalidate", h.InvalidateCache)
		ops.POST("/circuit/:scope/reset", h.ResetCircuit)
		ops.POST("/ratelimit/reset", h.ResetRateLimit)
	}
}

// eventResponse is the operator view of an ingested event
type eventResponse struct {
	ID          string  `json:"id"`
	EventID     string  `json:"event_id"`
	Topic       string  `json:"topic"`
	AccountID   string  `json:"account_id"`
	Status      string  `json:"status"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	LastError   string  `json:"last_error,omitempty"`
	HasResult   bool    `json:"has_result"`
	NextRetryAt *string `json:"next_retry_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

// GetEvent handles GET /ops/events/:id
func (h *OpsHandler) GetEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "id must be a valid UUID")
		return
	}

	event, err := h.webhooks.Get(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	response := eventResponse{
		ID:          event.ID.String(),
		EventID:     event.EventID,
		Topic:       event.Topic,
		AccountID:   event.AccountID,
		Status:      string(event.Status),
		Attempts:    event.Attempts,
		MaxAttempts: event.MaxAttempts,
		LastError:   event.LastError,
		HasResult:   event.HasResult(),
		CreatedAt:   event.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   event.UpdatedAt.Format(time.RFC3339),
	}
	if event.NextRetryAt != nil {
		formatted := event.NextRetryAt.Format(time.RFC3339)
		response.NextRetryAt = &formatted
	}
	h.Success(c, response)
}

// ReprocessEvent handles POST /ops/events/:id/reprocess
func (h *OpsHandler) ReprocessEvent(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		h.BadRequest(c, "id must be a valid UUID")
		return
	}

	event, err := h.webhooks.Reprocess(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Info("operator requested reprocess",
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
	)
	h.Accepted(c, gin.H{"event_id": event.EventID, "status": string(event.Status)})
}

// QueueStatsCacheKey is shared with the warm-up loader in cmd/server, which
// refreshes the same entry on its schedule.
const QueueStatsCacheKey = "ops:queue_stats"

const queueStatsCacheTTL = 30 * time.Second

// QueueStats handles GET /ops/queue/stats. Counts are read through the
// cache so dashboard polls ride the warmed entry instead of the database.
func (h *OpsHandler) QueueStats(c *gin.Context) {
	data, err := h.store.Remember(c.Request.Context(), QueueStatsCacheKey, queueStatsCacheTTL,
		[]string{"ops"},
		func(ctx context.Context) ([]byte, error) {
			counts, err := h.webhooks.QueueStats(ctx)
			if err != nil {
				return nil, err
			}
			return json.Marshal(counts)
		})
	if err != nil {
		h.HandleError(c, err)
		return
	}

	var counts map[string]int64
	if err := json.Unmarshal(data, &counts); err != nil {
		h.InternalError(c, "corrupt queue stats cache entry")
		return
	}
	h.Success(c, counts)
}

// CacheStats handles GET /ops/cache/stats
func (h *OpsHandler) CacheStats(c *gin.Context) {
	h.Success(c, h.store.Stats())
}

// invalidateRequest binds the cache invalidation body
type invalidateRequest struct {
	Tag string `json:"tag"`
	All bool   `json:"all"`
}

// InvalidateCache handles POST /ops/cache/invalidate
func (h *OpsHandler) InvalidateCache(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.BadRequest(c, "invalid invalidation request")
		return
	}

	switch {
	case req.All:
		if err := h.store.InvalidateAll(c.Request.Context()); err != nil {
			h.HandleError(c, err)
			return
		}
	case req.Tag != "":
		if err := h.store.InvalidateTag(c.Request.Context(), req.Tag); err != nil {
			h.HandleError(c, err)
			return
		}
	default:
		h.BadRequest(c, "either tag or all must be set")
		return
	}

	h.Success(c, gin.H{"invalidated": true})
}

// ResetCircuit handles POST /ops/circuit/:scope/reset
func (h *OpsHandler) ResetCircuit(c *gin.Context) {
	scope := c.Param("scope")
	if scope == "" {
		h.BadRequest(c, "scope is required")
		return
	}

	if err := h.breaker.Reset(c.Request.Context(), scope); err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Warn("circuit manually reset", zap.String("scope", scope))
	h.Success(c, gin.H{"scope": scope, "state": "CLOSED"})
}

// ResetRateLimit handles POST /ops/ratelimit/reset
func (h *OpsHandler) ResetRateLimit(c *gin.Context) {
	if err := h.limiter.Reset(c.Request.Context()); err != nil {
		h.HandleError(c, err)
		return
	}

	h.logger.Warn("rate limit windows manually reset")
	h.Success(c, gin.H{"reset": true})
}
