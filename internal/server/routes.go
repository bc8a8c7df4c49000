package server

import (
	"github.com/labstack/echo/v4"

	"github.com/OFFIS-RIT/corvid/backend/internal/server/middleware"
	"github.com/OFFIS-RIT/corvid/backend/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo, app *middleware.App) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})
	if app.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler()))
	}

	apiRoutes := e.Group("/api", middleware.AuthMiddleware)

	// Analysis routes
	apiRoutes.POST("/jobs", routes.CreateJobHandler, middleware.RequirePermission(middleware.PermRunAnalysis))
	apiRoutes.GET("/graph", routes.GetGraphHandler, middleware.RequirePermission(middleware.PermViewAnalysis))
	apiRoutes.GET("/priorities", routes.GetPrioritiesHandler, middleware.RequirePermission(middleware.PermViewAnalysis))

	// Event routes
	apiRoutes.GET("/events/:id/correlations", routes.GetEventCorrelationsHandler, middleware.RequirePermission(middleware.PermViewCorrelation))
	apiRoutes.PATCH("/events/:id/false-positive", routes.MarkFalsePositiveHandler, middleware.RequirePermission(middleware.PermReviewEvent))

	// Run artifact routes
	apiRoutes.GET("/runs/:id/artifacts", routes.GetRunArtifactsHandler, middleware.RequirePermission(middleware.PermViewArtifact))
	apiRoutes.GET("/runs/:id/artifacts/:name", routes.GetRunArtifactHandler, middleware.RequirePermission(middleware.PermViewArtifact))
	apiRoutes.DELETE("/runs/:id/artifacts", routes.DeleteRunArtifactsHandler, middleware.RequireAdmin())
}
