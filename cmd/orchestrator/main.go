package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/conductor/cmd/orchestrator/container"
	"github.com/lyzr/conductor/cmd/orchestrator/middleware"
	"github.com/lyzr/conductor/cmd/orchestrator/routes"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/ratelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bootstrap common components (config, logger, DB, Redis, bus)
	components, err := bootstrap.Setup(ctx, "orchestrator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (all services created once)
	serviceContainer, err := container.NewContainer(ctx, components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}
	defer serviceContainer.Shutdown(ctx)

	e := setupEcho()
	setupMiddleware(e, components)
	setupOperationalEndpoints(e, components)
	registerRoutes(e, serviceContainer)

	startServer(ctx, e, components)
}

func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

func setupMiddleware(e *echo.Echo, components *bootstrap.Components) {
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.CORS())
	e.Use(echomw.RequestID())
	e.Use(middleware.ExtractPlatformID())

	rl := components.Config.RateLimit
	if rl.Enabled && components.Redis != nil {
		limiter := ratelimit.New(components.Redis, components.Logger)
		e.Use(middleware.RateLimit(limiter, rl.GlobalPerMinute, rl.PlatformPerMinute))
	}
}

func setupOperationalEndpoints(e *echo.Echo, components *bootstrap.Components) {
	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(503, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": "orchestrator",
		})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(components.Metrics.Registry(), promhttp.HandlerOpts{})))
}

func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterAgentRoutes(e, serviceContainer)
}

func startServer(ctx context.Context, e *echo.Echo, components *bootstrap.Components) {
	port := components.Config.Service.Port
	components.Logger.Info("starting orchestrator", "port", port)

	go func() {
		<-ctx.Done()
		components.Logger.Info("shutdown signal received")
		if err := e.Shutdown(context.Background()); err != nil {
			components.Logger.Error("server shutdown error", "error", err)
		}
	}()

	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil {
		components.Logger.Error("server stopped", "error", err)
	}
}
