package router

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"orderjobs/internal/handler/api"
	"orderjobs/internal/middleware"
)

// Setup configures all routes for the Echo server.
func Setup(e *echo.Echo, jobs *api.JobHandler, apiKey string, logger *zap.Logger) {
	// Global middleware
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger(logger))

	// API group: token auth, then caller identity.
	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey))

	jobGroup := apiGroup.Group("/jobs")
	jobGroup.Use(middleware.Owner())
	jobGroup.POST("", jobs.Create)
	jobGroup.GET("", jobs.List)
	jobGroup.GET("/:id", jobs.Get)
	jobGroup.POST("/:id/cancel", jobs.Cancel)
	jobGroup.GET("/:id/logs", jobs.Logs)

	// Periodic trigger for hosts without a long-lived worker.
	apiGroup.POST("/worker/run", jobs.RunWorker)

	// Health check
	e.GET("/health", jobs.Health)
}
