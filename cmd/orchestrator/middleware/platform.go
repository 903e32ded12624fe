package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// PlatformIDKey is the context key for the calling platform
const PlatformIDKey ContextKey = "platform_id"

// ExtractPlatformID stores the X-Platform-ID header in the request
// context. Workflows created without one fall back to the service's
// configured platform.
func ExtractPlatformID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if platformID := c.Request().Header.Get("X-Platform-ID"); platformID != "" {
				c.Set(string(PlatformIDKey), platformID)
			}
			return next(c)
		}
	}
}

// ExtractPlatformIDStrict rejects requests without X-Platform-ID
func ExtractPlatformIDStrict() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			platformID := c.Request().Header.Get("X-Platform-ID")
			if platformID == "" {
				return c.JSON(http.StatusUnauthorized, map[string]interface{}{
					"error": "X-Platform-ID header is required",
				})
			}
			c.Set(string(PlatformIDKey), platformID)
			return next(c)
		}
	}
}

// GetPlatformID retrieves the platform id from the request context.
// Returns empty string if not set.
func GetPlatformID(c echo.Context) string {
	platformID := c.Get(string(PlatformIDKey))
	if platformID == nil {
		return ""
	}
	return platformID.(string)
}
