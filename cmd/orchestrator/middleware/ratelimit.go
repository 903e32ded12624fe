package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/lyzr/conductor/common/ratelimit"
)

// RateLimit rejects requests over the global or per-platform budget,
// both counted per minute. Limiter errors fail open: an unreachable
// Redis must not take the API down with it.
func RateLimit(limiter *ratelimit.Limiter, globalPerMinute, platformPerMinute int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			res, err := limiter.Allow(ctx, ratelimit.GlobalKey(), globalPerMinute, time.Minute)
			if err == nil && !res.Allowed {
				return tooManyRequests(c, "global_rate_limit_exceeded", res)
			}

			// Runs after ExtractPlatformID; anonymous requests only count
			// against the global window.
			if platformID := GetPlatformID(c); platformID != "" {
				res, err = limiter.Allow(ctx, ratelimit.PlatformKey(platformID), platformPerMinute, time.Minute)
				if err == nil && !res.Allowed {
					return tooManyRequests(c, "platform_rate_limit_exceeded", res)
				}
			}
			return next(c)
		}
	}
}

func tooManyRequests(c echo.Context, code string, res *ratelimit.Result) error {
	retryAfter := int64(res.RetryAfter / time.Second)
	c.Response().Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	return c.JSON(http.StatusTooManyRequests, map[string]any{
		"error":               code,
		"limit":               res.Limit,
		"retry_after_seconds": retryAfter,
	})
}
