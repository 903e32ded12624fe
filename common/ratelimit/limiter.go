package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lyzr/conductor/common/logger"
	redisw "github.com/lyzr/conductor/common/redis"
)

//go:embed rate_limit.lua
var windowScript string

// Result is one limit check's outcome
type Result struct {
	Allowed    bool
	Current    int64
	Limit      int64
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter over Redis. Counting and expiry
// run in one Lua script so concurrent checks stay atomic.
type Limiter struct {
	rdb    *goredis.Client
	script *goredis.Script
	log    *logger.Logger
}

// New creates a limiter on the shared Redis client
func New(rdb *redisw.Client, log *logger.Logger) *Limiter {
	return &Limiter{
		rdb:    rdb.GetUnderlying(),
		script: goredis.NewScript(windowScript),
		log:    log,
	}
}

// GlobalKey counts every API request
func GlobalKey() string {
	return "rate_limit:global"
}

// PlatformKey counts one platform's requests
func PlatformKey(platformID string) string {
	return "rate_limit:platform:" + platformID
}

// Allow counts one request against the key's window
func (l *Limiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}

	raw, err := l.script.Run(ctx, l.rdb, []string{key}, limit, windowSec).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	fields, ok := raw.([]any)
	if !ok || len(fields) != 4 {
		return nil, fmt.Errorf("unexpected rate limit script result: %v", raw)
	}

	res := &Result{
		Allowed:    fields[0].(int64) == 1,
		Current:    fields[1].(int64),
		Limit:      fields[2].(int64),
		RetryAfter: time.Duration(fields[3].(int64)) * time.Second,
	}
	if !res.Allowed {
		l.log.Warn("rate limit exceeded",
			"key", key, "current", res.Current, "limit", res.Limit, "retry_after", res.RetryAfter)
	}
	return res, nil
}

// Reset clears a window counter
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.rdb.Del(ctx, key).Err()
}
