package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/conductor/common/bus"
	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/db"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/metrics"
	redisw "github.com/lyzr/conductor/common/redis"
)

// Components holds all initialized service dependencies
type Components struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics
	DB      *db.DB
	Redis   *redisw.Client
	Bus     bus.Bus

	cleanupFuncs []func() error
}

// Shutdown performs graceful shutdown of all components.
// Should be called with defer after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error

	// Cleanup in reverse order (LIFO)
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks health of all components
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	if c.Bus != nil {
		if err := c.Bus.Ping(ctx); err != nil {
			return fmt.Errorf("bus unhealthy: %w", err)
		}
	}
	return nil
}

// addCleanup registers a cleanup function
func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
