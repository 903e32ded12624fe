package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyzr/conductor/cmd/pipeline-runner/executor"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/registry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Pipelines keep no relational state; everything lives on the bus
	// and in the execution table.
	components, err := bootstrap.Setup(ctx, "pipeline-runner", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap pipeline-runner: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	agentRegistry := registry.NewRedisRegistry(components.Redis, log)

	subBus, err := bootstrap.NewBus(cfg, log)
	if err != nil {
		log.Error("failed to create subscriber bus", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(
		components.Bus,
		subBus,
		agentRegistry,
		cfg.Dispatcher.ConsumerGroup,
		log,
		dispatch.WithHandlerTTL(cfg.Dispatcher.HandlerTTL),
		dispatch.WithMetrics(components.Metrics),
	)
	if err := dispatcher.Connect(ctx); err != nil {
		log.Error("failed to connect dispatcher", "error", err)
		os.Exit(1)
	}
	defer dispatcher.Disconnect(ctx)

	exec := executor.New(dispatcher, components.Bus, log, executor.Options{
		MaxParallelStages: cfg.Pipeline.MaxParallelStages,
		StageTimeout:      cfg.Pipeline.StageTimeout,
		Metrics:           components.Metrics,
	})
	defer exec.Cleanup()

	e := setupServer(components, exec)

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received")
		if err := e.Shutdown(context.Background()); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	log.Info("starting pipeline-runner", "port", cfg.Service.Port)
	if err := e.Start(fmt.Sprintf(":%d", cfg.Service.Port)); err != nil {
		log.Error("server stopped", "error", err)
	}
}

func setupServer(components *bootstrap.Components, exec *executor.Executor) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Logger())
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	e.GET("/health", func(c echo.Context) error {
		if err := components.Health(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "service": "pipeline-runner"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(components.Metrics.Registry(), promhttp.HandlerOpts{})))

	g := e.Group("/v1/executions")
	g.POST("", startExecution(exec))
	g.GET("/:id", getExecution(exec))
	g.POST("/:id/pause", controlExecution(func(c echo.Context) error { return exec.Pause(c.Param("id")) }))
	g.POST("/:id/resume", controlExecution(func(c echo.Context) error { return exec.Resume(c.Param("id")) }))
	g.POST("/:id/cancel", cancelExecution(exec))

	return e
}

// StartRequest is the body of POST /v1/executions
type StartRequest struct {
	Pipeline *executor.Pipeline `json:"pipeline"`
	Trigger  executor.Trigger   `json:"trigger"`
}

// CancelRequest is the body of POST /v1/executions/:id/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

func startExecution(exec *executor.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req StartRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		}
		if req.Pipeline == nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "pipeline is required"})
		}

		ex, err := exec.Start(c.Request().Context(), req.Pipeline, req.Trigger)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusCreated, ex)
	}
}

func getExecution(exec *executor.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		ex, err := exec.Get(c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, ex)
	}
}

func controlExecution(op func(echo.Context) error) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := op(c); err != nil {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

func cancelExecution(exec *executor.Executor) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req CancelRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		}
		if req.Reason == "" {
			req.Reason = "cancelled by caller"
		}
		if err := exec.Cancel(c.Request().Context(), c.Param("id"), req.Reason); err != nil {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "cancelled"})
	}
}
