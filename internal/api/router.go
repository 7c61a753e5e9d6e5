package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/autoheal/internal/middleware"
	"github.com/NikhilSetiya/autoheal/pkg/alerting"
	"github.com/NikhilSetiya/autoheal/pkg/config"
	"github.com/NikhilSetiya/autoheal/pkg/health"
	"github.com/NikhilSetiya/autoheal/pkg/healing"
	"github.com/NikhilSetiya/autoheal/pkg/logging"
	"github.com/NikhilSetiya/autoheal/pkg/metrics"
	"github.com/NikhilSetiya/autoheal/pkg/tracing"
)

// Dependencies holds everything the router serves. Engine is required; the
// rest may be nil.
type Dependencies struct {
	Config  *config.Config
	Logger  *logging.Logger
	Engine  *healing.Engine
	Alerts  *alerting.Service
	Health  *health.Service
	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Archive RecoveryArchive
	Journal RecoveryJournal
}

// NewRouter creates and configures the API router
func NewRouter(deps Dependencies) *gin.Engine {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	if deps.Tracing != nil {
		router.Use(deps.Tracing.TracingMiddleware())
	}
	router.Use(middleware.Logging(logger))
	router.Use(middleware.ErrorLogging(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(cors.New(corsConfig(cfg.Server.AllowedOrigins)))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
	}

	handler := NewHealingHandler(deps.Engine, deps.Alerts, deps.Archive, deps.Journal)

	router.GET("/health", handler.GetHealth)

	components := router.Group("/components")
	{
		components.POST("/register", handler.RegisterComponent)
		components.POST("/:name/reset", handler.ResetComponent)
	}

	recovery := router.Group("/recovery")
	{
		recovery.GET("/stats", handler.GetRecoveryStats)
		recovery.GET("/history", handler.GetRecoveryHistory)
		recovery.GET("/archive", handler.GetRecoveryArchive)
		recovery.GET("/journal", handler.GetRecoveryJournal)
	}

	breakers := router.Group("/circuit-breakers")
	{
		breakers.GET("", handler.GetCircuitBreakers)
		breakers.GET("/persisted", handler.GetPersistedCircuitBreakers)
		breakers.POST("/reset", handler.ResetCircuitBreakers)
	}

	alerts := router.Group("/alerts")
	{
		alerts.GET("", handler.GetAlerts)
		alerts.POST("/:id/resolve", handler.ResolveAlert)
	}

	// Probes for the daemon's own dependencies
	if deps.Health != nil {
		router.GET("/livez", deps.Health.LivenessHandler())
		router.GET("/readyz", deps.Health.ReadinessHandler())
		router.GET("/health/dependencies", deps.Health.Handler())
	} else {
		router.GET("/livez", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "alive"})
		})
	}

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	// Catch-all route for undefined endpoints
	router.NoRoute(func(c *gin.Context) {
		NotFoundResponse(c, "Endpoint not found")
	})

	return router
}

func corsConfig(origins []string) cors.Config {
	conf := cors.DefaultConfig()
	conf.AllowHeaders = append(conf.AllowHeaders, "Authorization", middleware.RequestIDHeader, middleware.CorrelationIDHeader)
	conf.ExposeHeaders = []string{middleware.RequestIDHeader, middleware.CorrelationIDHeader}

	if len(origins) == 0 {
		conf.AllowAllOrigins = true
		return conf
	}
	for _, origin := range origins {
		if origin == "*" {
			conf.AllowAllOrigins = true
			return conf
		}
	}
	conf.AllowOrigins = origins
	return conf
}
