package container

import (
	"context"
	"fmt"

	"github.com/lyzr/conductor/cmd/orchestrator/service"
	"github.com/lyzr/conductor/common/bootstrap"
	"github.com/lyzr/conductor/common/cache"
	"github.com/lyzr/conductor/common/decision"
	"github.com/lyzr/conductor/common/dispatch"
	"github.com/lyzr/conductor/common/gates"
	"github.com/lyzr/conductor/common/registry"
	"github.com/lyzr/conductor/common/store"
)

// Container holds all initialized services (singleton pattern)
type Container struct {
	Components *bootstrap.Components

	Registry   registry.AgentRegistry
	Store      store.WorkflowStore
	Dispatcher *dispatch.Dispatcher
	Gates      *gates.Service
	Decisions  *decision.Service
	Cache      cache.Cache

	WorkflowService *service.WorkflowService
}

// NewContainer initializes all services once, bottom-up
func NewContainer(ctx context.Context, components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Agent registry over the shared Redis client
	agentRegistry := registry.NewRedisRegistry(components.Redis, log)

	// Dispatcher gets its own subscriber connection; the bootstrap bus
	// is the shared publisher.
	subBus, err := bootstrap.NewBus(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber bus: %w", err)
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
		return nil, fmt.Errorf("failed to connect dispatcher: %w", err)
	}

	// Quality gates: defaults unless a policy file is configured
	gateSvc := gates.NewService(log)
	if cfg.Gates.PolicyFile != "" {
		if err := gateSvc.LoadPolicyFile(cfg.Gates.PolicyFile); err != nil {
			return nil, fmt.Errorf("failed to load gate policy: %w", err)
		}
		if cfg.Gates.HotReload {
			if err := gateSvc.Watch(ctx, cfg.Gates.PolicyFile); err != nil {
				log.Warn("gate policy hot reload unavailable", "error", err)
			}
		}
	}

	decisionSvc := decision.NewService("")

	// Short-TTL read cache for the agent registry API
	responseCache := cache.NewMemoryCache()

	workflowStore := store.NewPostgresStore(components.DB)
	if err := workflowStore.Bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("failed to bootstrap workflow store: %w", err)
	}

	workflowService := service.NewWorkflowService(
		workflowStore,
		dispatcher,
		components.Bus,
		gateSvc,
		log,
		service.WithStatusCache(components.Redis),
		service.WithDecisionService(decisionSvc),
		service.WithMetrics(components.Metrics),
	)

	return &Container{
		Components:      components,
		Registry:        agentRegistry,
		Store:           workflowStore,
		Dispatcher:      dispatcher,
		Gates:           gateSvc,
		Decisions:       decisionSvc,
		Cache:           responseCache,
		WorkflowService: workflowService,
	}, nil
}

// Shutdown disconnects the dispatcher; the bootstrap components own the
// rest of the teardown.
func (c *Container) Shutdown(ctx context.Context) {
	if err := c.Dispatcher.Disconnect(ctx); err != nil {
		c.Components.Logger.Warn("dispatcher shutdown error", "error", err)
	}
	if err := c.Cache.Close(); err != nil {
		c.Components.Logger.Warn("cache shutdown error", "error", err)
	}
}
