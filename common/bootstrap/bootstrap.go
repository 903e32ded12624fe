package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	redisw "github.com/lyzr/conductor/common/redis"
)

// Setup initializes all service components.
// This is the main entry point for all services.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	// 1. Load configuration
	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	// 2. Initialize logger
	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(
			components.Config.Service.LogLevel,
			components.Config.Service.LogFormat,
		)
	}

	components.Logger.Info("initializing service",
		"service", serviceName,
		"environment", components.Config.Service.Environment,
	)

	// 3. Metrics registry
	components.Metrics = metrics.New(serviceName)

	// 4. Initialize database (if not skipped)
	if !options.skipDB {
		components.Logger.Info("connecting to database")
		components.DB, err = db.New(ctx, components.Config, components.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if options.dbInitHook != nil {
			components.Logger.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	// 5. Initialize Redis (if not skipped). The bus may need it too, but
	// bus connections are created separately so publisher and subscriber
	// never share one connection.
	if !options.skipRedis {
		components.Redis, err = NewRedisClient(components.Config, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.addCleanup(func() error {
			return components.Redis.Close()
		})
	}

	// 6. Initialize the message bus (if not skipped)
	if !options.skipBus {
		components.Logger.Info("initializing message bus", "type", components.Config.Bus.Type)
		components.Bus, err = NewBus(components.Config, components.Logger)
		if err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create message bus: %w", err)
		}
		components.addCleanup(func() error {
			return components.Bus.Close()
		})
	}

	components.Logger.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"bus", components.Bus != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error.
// Useful for services that can't recover from initialization failure.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}

// NewRedisClient creates an instrumented Redis client from config
func NewRedisClient(cfg *config.Config, log *logger.Logger) (*redisw.Client, error) {
	raw := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	client := redisw.NewClient(raw, log)
	return client, nil
}

// NewBus creates a bus connection of the configured type. Call it once
// per connection: components that publish and subscribe concurrently
// hold two.
func NewBus(cfg *config.Config, log *logger.Logger) (bus.Bus, error) {
	switch cfg.Bus.Type {
	case "memory":
		return bus.NewMemoryBus(log), nil
	case "redis":
		client, err := NewRedisClient(cfg, log)
		if err != nil {
			return nil, err
		}
		return bus.NewRedisBus(client, log,
			bus.WithMaxRedeliveries(cfg.Bus.MaxRedeliveries),
			bus.WithClaimInterval(cfg.Bus.ClaimInterval),
		), nil
	case "nats":
		return bus.NewNATSBus(cfg.Bus.NATSURL, log,
			bus.WithNATSMaxRedeliveries(cfg.Bus.MaxRedeliveries),
			bus.WithNATSAckWait(cfg.Bus.ClaimInterval),
		)
	default:
		return nil, fmt.Errorf("unknown bus type: %s", cfg.Bus.Type)
	}
}
