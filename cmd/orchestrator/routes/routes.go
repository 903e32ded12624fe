package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/cmd/orchestrator/container"
	"github.com/lyzr/conductor/cmd/orchestrator/handlers"
)

// RegisterWorkflowRoutes wires the workflow lifecycle API
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.WorkflowService, c.Components.Logger)

	g := e.Group("/v1/workflows")
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/start", h.Start)
	g.POST("/:id/cancel", h.Cancel)
}

// RegisterAgentRoutes wires the agent registry read API
func RegisterAgentRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewAgentHandler(c.Dispatcher, c.Cache)

	e.GET("/v1/agents", h.List)
}
