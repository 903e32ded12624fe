package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/common/agentbase"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/envelope"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/server"
)

// main runs the reference echo agent: it answers every task with its
// own payload. Real agents replace the execute function and keep the
// rest of the wiring.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "agent", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap agent: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	cfg := components.Config
	log := components.Logger

	agentType := cfg.Agent.Type
	if agentType == "" {
		agentType = "echo"
	}

	// Publisher and subscriber are separate connections.
	subBus, err := bootstrap.NewBus(cfg, log)
	if err != nil {
		log.Error("failed to create subscriber bus", "error", err)
		os.Exit(1)
	}

	agentRegistry := registry.NewRedisRegistry(components.Redis, log)

	agent, err := agentbase.New(components.Bus, subBus, agentRegistry, log, agentbase.Options{
		AgentType:    agentType,
		Version:      cfg.Agent.Version,
		Capabilities: cfg.Agent.Capabilities,
		Execute:      echoExecute,
		Metrics:      components.Metrics,
	})
	if err != nil {
		log.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	if err := agent.Start(ctx); err != nil {
		log.Error("failed to start agent", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := agent.Stop(shutdownCtx); err != nil {
			log.Warn("agent shutdown error", "error", err)
		}
	}()

	srv := server.New("agent", cfg.Service.Port, components.Metrics, log)
	if components.Redis != nil {
		srv.AddHealthCheck("redis", components.Redis.Ping)
	}
	srv.AddHealthCheck("agent", func(context.Context) error {
		if agent.Health() == agentbase.HealthUnhealthy {
			return fmt.Errorf("agent unhealthy")
		}
		return nil
	})
	srv.GET("/v1/agent/stats", statsHandler(agent))

	log.Info("starting agent", "agent_id", agent.ID(), "port", cfg.Service.Port)
	if err := srv.Start(ctx); err != nil {
		log.Error("server stopped", "error", err)
	}
}

// echoExecute is the reference task body
func echoExecute(ctx context.Context, task *envelope.Task) (map[string]any, error) {
	return map[string]any{
		"echo":       task.Payload,
		"stage":      task.WorkflowContext.CurrentStage,
		"confidence": 1.0,
	}, nil
}

func statsHandler(agent *agentbase.Agent) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, errs, lastTask := agent.Stats()
		body := map[string]any{
			"status":          agent.Health(),
			"agent_id":        agent.ID(),
			"tasks_processed": tasks,
			"errors_count":    errs,
		}
		if !lastTask.IsZero() {
			body["last_task_at"] = lastTask.UTC()
		}
		code := http.StatusOK
		if agent.Health() == agentbase.HealthUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, body)
	}
}
