// Package echo provides Echo middleware that gates routes on an entitlement
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// EntitlementKey is the context key under which the granting entitlement is stored
const EntitlementKey = "paysync:entitlement"

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// Config holds middleware configuration
type Config struct {
	// Reader looks up entitlements (required)
	Reader paysync.EntitlementReader

	// EntitlementID is the entitlement the route requires (required)
	EntitlementID string

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnDenied is called when the user does not hold the entitlement
	// If nil, returns 403 JSON with the entitlement status
	OnDenied func(c echo.Context, ent *paysync.Entitlement) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error

	// Clock defaults to the wall clock
	Clock paysync.Clock
}

// RequireEntitlement creates an Echo middleware that rejects requests from users
// who do not currently hold cfg.EntitlementID
func RequireEntitlement(cfg Config) echo.MiddlewareFunc {
	if cfg.Reader == nil {
		panic("paysync/echo: Config.Reader is required")
	}
	if cfg.EntitlementID == "" {
		panic("paysync/echo: Config.EntitlementID is required")
	}
	if cfg.GetUserID == nil {
		panic("paysync/echo: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = paysync.SystemClock()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return defaultUnauthorized(c)
			}

			ok, ent, err := paysync.HasAccess(c.Request().Context(), cfg.Reader, userID, cfg.EntitlementID,
				cfg.Clock.Now())
			if err != nil {
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return defaultError(c)
			}
			if !ok {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, ent)
				}
				return defaultDenied(c, cfg.EntitlementID, ent)
			}

			c.Set(EntitlementKey, ent)
			return next(c)
		}
	}
}

func defaultUnauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
}

func defaultDenied(c echo.Context, entitlementID string, ent *paysync.Entitlement) error {
	body := map[string]string{"error": "Entitlement required", "entitlement": entitlementID}
	if ent != nil {
		body["status"] = string(ent.Status)
	}
	return c.JSON(http.StatusForbidden, body)
}

func defaultError(c echo.Context) error {
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromContext returns an UserIDExtractor that gets user ID from Echo context
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}
