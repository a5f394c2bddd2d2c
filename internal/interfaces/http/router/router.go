package router

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/infrastructure/logger"
)

// RouteRegistrar registers a handler's routes on a group
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// Router wires middleware and handler routes onto a gin engine.
// Webhook and oauth callbacks live at the root; the operator surface sits
// under the versioned API prefix.
type Router struct {
	engine     *gin.Engine
	apiVersion string
	root       []RouteRegistrar
	api        []RouteRegistrar
}

// RouterOption configures a Router
type RouterOption func(*Router)

// WithAPIVersion sets the API version prefix
func WithAPIVersion(version string) RouterOption {
	return func(r *Router) {
		r.apiVersion = version
	}
}

// NewRouter creates a router on a fresh engine with logging and recovery wired
func NewRouter(log *zap.Logger, opts ...RouterOption) *Router {
	engine := gin.New()
	engine.Use(logger.GinMiddleware(log))
	engine.Use(logger.Recovery(log))

	r := &Router{
		engine:     engine,
		apiVersion: "v1",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterRoot adds registrars mounted at the engine root
func (r *Router) RegisterRoot(registrars ...RouteRegistrar) *Router {
	r.root = append(r.root, registrars...)
	return r
}

// RegisterAPI adds registrars mounted under the versioned API prefix
func (r *Router) RegisterAPI(registrars ...RouteRegistrar) *Router {
	r.api = append(r.api, registrars...)
	return r
}

// Setup registers all routes and returns the engine
func (r *Router) Setup() *gin.Engine {
	root := r.engine.Group("")
	for _, registrar := range r.root {
		registrar.RegisterRoutes(root)
	}

	api := r.engine.Group("/api/" + r.apiVersion)
	for _, registrar := range r.api {
		registrar.RegisterRoutes(api)
	}
	return r.engine
}
