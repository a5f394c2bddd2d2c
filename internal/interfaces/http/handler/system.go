package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/sellerdesk/backend/internal/interfaces/http/dto"
)

// Pinger reports storage liveness
type Pinger interface {
	Ping() error
}

// SystemHandler serves health and liveness endpoints
type SystemHandler struct {
	BaseHandler
	db        Pinger
	redis     *redis.Client
	startTime time.Time
}

// NewSystemHandler creates a new SystemHandler
func NewSystemHandler(db Pinger, redisClient *redis.Client) *SystemHandler {
	return &SystemHandler{
		db:        db,
		redis:     redisClient,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers system routes
func (h *SystemHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/health", h.Health)
}

// healthResponse reports dependency status
type healthResponse struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Services map[string]string `json:"services"`
}

// Health handles GET /health. Degraded dependencies report 503 so the load
// balancer rotates the instance out.
func (h *SystemHandler) Health(c *gin.Context) {
	services := make(map[string]string)
	healthy := true

	if err := h.db.Ping(); err != nil {
		services["database"] = "unreachable"
		healthy = false
	} else {
		services["database"] = "ok"
	}

	if err := h.redis.Ping(c.Request.Context()).Err(); err != nil {
		services["redis"] = "unreachable"
		healthy = false
	} else {
		services["redis"] = "ok"
	}

	response := healthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		Services: services,
	}
	if !healthy {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, dto.NewSuccessResponse(response))
		return
	}
	h.Success(c, response)
}
