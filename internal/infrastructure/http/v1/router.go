// Package v1 provides HTTP API version 1.
package v1

import (
	"github.com/gin-gonic/gin"

	"fieldforce/internal/infrastructure/http/v1/handlers"
	"fieldforce/internal/infrastructure/http/v1/middleware"
	"fieldforce/pkg/logger"
)

// RouterConfig holds router dependencies.
type RouterConfig struct {
	// Logger for request logging
	Logger *logger.Logger

	// JWTValidator for token validation
	JWTValidator middleware.JWTValidator

	// MergeService executes merges and serves their audit history
	MergeService handlers.MergeService

	// DB is pinged by the readiness probe
	DB handlers.Pinger

	// SkipRoleGate drops the token-role check on /merge. Set it when admin
	// roles are looked up in the database by the service instead.
	SkipRoleGate bool

	// Development keeps gin in debug mode
	Development bool
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}

	router := gin.New()

	// Global middleware (order matters!)
	router.Use(middleware.Recovery())
	router.Use(middleware.Trace())
	router.Use(middleware.Logger(cfg.Logger))
	router.Use(middleware.ErrorHandler())

	healthHandler := handlers.NewHealthHandler(cfg.DB)
	health := router.Group("/health")
	{
		health.GET("/live", healthHandler.Live)
		health.GET("/ready", healthHandler.Ready)
	}

	v1 := router.Group("/api/v1")
	{
		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTValidator))

		registerMergeRoutes(protected, cfg)
	}

	return router
}

// registerMergeRoutes registers the admin-only merge endpoints.
// The service checks the role again, so these routes are not the only gate.
func registerMergeRoutes(rg *gin.RouterGroup, cfg RouterConfig) {
	baseHandler := handlers.NewBaseHandler()
	mergeHandler := handlers.NewMergeHandler(baseHandler, cfg.MergeService)

	group := rg.Group("/merge")
	if !cfg.SkipRoleGate {
		group.Use(middleware.RequireAdmin())
	}
	mergeHandler.RegisterRoutes(group)
}
