package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/frostdev-ops/shelly-fleet-go/internal/api/handlers"
	"github.com/frostdev-ops/shelly-fleet-go/internal/api/middleware"
	"github.com/frostdev-ops/shelly-fleet-go/internal/config"
	"github.com/frostdev-ops/shelly-fleet-go/internal/metrics"
)

// NewRouter creates and configures the main HTTP router
func NewRouter(cfg *config.Config, deps handlers.Dependencies, collector *metrics.Collector, logger *logrus.Logger) *gin.Engine {
	// Set gin mode based on config
	if cfg.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.CORSMiddleware())
	if collector != nil {
		router.Use(middleware.MetricsMiddleware(collector))
	}

	// Initialize handlers
	h := handlers.NewHandlers(cfg, deps, logger)

	// Public routes
	router.GET("/health", h.GetHealth)

	// WebSocket endpoint
	router.GET("/ws", h.WebSocket)

	// Prometheus scrape endpoint
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// API v1 routes
	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetHealth)

		// Device endpoints
		devices := api.Group("/devices")
		{
			devices.GET("", h.ListDevices)
			devices.GET("/:id", h.GetDevice)
			devices.DELETE("/:id", h.DeleteDevice)
			devices.POST("/:id/refresh", h.RefreshDevice)
			devices.GET("/:id/supported", h.GetDeviceSupported)
			devices.GET("/:id/parameters/:name", h.GetDeviceParameter)
			devices.PUT("/:id/parameters/:name", h.SetDeviceParameter)
			devices.POST("/:id/operate", h.OperateDevice)
			devices.POST("/:id/apply", h.ApplyDeviceParameters)
		}

		// Discovery endpoints
		disc := api.Group("/discovery")
		{
			disc.POST("/run", h.RunDiscovery)
			disc.GET("/status", h.DiscoveryStatus)
		}

		// Group endpoints
		grp := api.Group("/groups")
		{
			grp.GET("", h.ListGroups)
			grp.POST("", h.CreateGroup)
			grp.GET("/:name", h.GetGroup)
			grp.PUT("/:name", h.UpdateGroup)
			grp.DELETE("/:name", h.DeleteGroup)
			grp.POST("/:name/devices", h.AddGroupDevice)
			grp.DELETE("/:name/devices/:device_id", h.RemoveGroupDevice)
			grp.POST("/:name/operate", h.OperateGroup)
			grp.GET("/:name/parameters/:pname", h.GetGroupParameter)
			grp.PUT("/:name/parameters/:pname", h.SetGroupParameter)
			grp.POST("/:name/apply", h.ApplyGroupParameters)
		}

		// Parameter catalogue endpoints
		params := api.Group("/parameters")
		{
			params.GET("", h.ListParameters)
			params.GET("/:name", h.GetParameterInfo)
		}
		api.GET("/verbs", h.ListOperationVerbs)

		// Capability catalogue endpoints
		caps := api.Group("/capabilities")
		{
			caps.GET("", h.ListCapabilities)
			caps.GET("/:type", h.GetCapability)
			caps.DELETE("/:type", h.DeleteCapability)
			caps.GET("/:type/parameters/:name", h.CheckCapabilityParameter)
			caps.POST("/refresh", h.RefreshCapabilities)
			caps.POST("/standardize", h.StandardizeCapabilities)
		}

		// History endpoints
		hist := api.Group("/history")
		{
			hist.GET("/operations", h.ListOperationHistory)
			hist.GET("/runs", h.ListGroupRuns)
			hist.GET("/runs/:run_id", h.GetGroupRun)
			hist.POST("/purge", h.PurgeHistory)
		}

		// Snapshot endpoints
		snap := api.Group("/snapshot")
		{
			snap.GET("/export", h.ExportSnapshot)
			snap.POST("/import", h.ImportSnapshot)
		}

		// WebSocket management endpoints
		ws := api.Group("/websocket")
		{
			ws.GET("/stats", h.GetWebSocketStats)
		}
	}

	return router
}
