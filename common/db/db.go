package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/conductor/common/config"
	"github.com/lyzr/conductor/common/logger"
	"github.com/lyzr/conductor/common/retry"
)

// DB wraps pgxpool with the pool sizing and probes the services share
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens a connection pool sized from config. The startup ping
// retries with backoff so a service racing its database in a fresh
// deployment does not crash-loop.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	opts := retry.Network()
	opts.Timeout = 5 * time.Second
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		log.Warn("database not reachable yet",
			"host", cfg.Database.Host, "attempt", attempt, "retry_in", delay, "error", err)
	}
	err = retry.Do(ctx, func(ctx context.Context) error {
		return pool.Ping(ctx)
	}, opts)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("database connected",
		"host", cfg.Database.Host,
		"db", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns)

	return &DB{Pool: pool, log: log}, nil
}

// EnsureSchema applies idempotent DDL. Callers hand it
// CREATE-IF-NOT-EXISTS statements only; there is no migration
// machinery behind this.
func (db *DB) EnsureSchema(ctx context.Context, ddl string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close drains and closes the pool
func (db *DB) Close() {
	stat := db.Stat()
	db.log.Info("closing database connection pool",
		"total_conns", stat.TotalConns(), "idle_conns", stat.IdleConns())
	db.Pool.Close()
}

// Health pings the database under a short deadline, for readiness probes
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
