// Package gin provides Gin middleware that gates routes on an entitlement
package gin

import (
	"net/http"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// EntitlementKey is the context key under which the granting entitlement is stored
const EntitlementKey = "paysync:entitlement"

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

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
	OnUnauthorized func(c *gongin.Context)

	// OnDenied is called when the user does not hold the entitlement
	// If nil, returns 403 JSON with the entitlement status
	OnDenied func(c *gongin.Context, ent *paysync.Entitlement)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)

	// Clock defaults to the wall clock
	Clock paysync.Clock
}

// RequireEntitlement creates a Gin middleware that aborts requests from users
// who do not currently hold cfg.EntitlementID
func RequireEntitlement(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Reader == nil {
		panic("paysync/gin: Config.Reader is required")
	}
	if cfg.EntitlementID == "" {
		panic("paysync/gin: Config.EntitlementID is required")
	}
	if cfg.GetUserID == nil {
		panic("paysync/gin: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = paysync.SystemClock()
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				defaultUnauthorized(c)
			}
			c.Abort()
			return
		}

		ok, ent, err := paysync.HasAccess(c.Request.Context(), cfg.Reader, userID, cfg.EntitlementID, cfg.Clock.Now())
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				defaultError(c)
			}
			c.Abort()
			return
		}
		if !ok {
			if cfg.OnDenied != nil {
				cfg.OnDenied(c, ent)
			} else {
				defaultDenied(c, cfg.EntitlementID, ent)
			}
			c.Abort()
			return
		}

		c.Set(EntitlementKey, ent)
		c.Next()
	}
}

func defaultUnauthorized(c *gongin.Context) {
	c.JSON(http.StatusUnauthorized, gongin.H{"error": "Unauthorized"})
}

func defaultDenied(c *gongin.Context, entitlementID string, ent *paysync.Entitlement) {
	body := gongin.H{"error": "Entitlement required", "entitlement": entitlementID}
	if ent != nil {
		body["status"] = string(ent.Status)
	}
	c.JSON(http.StatusForbidden, body)
}

func defaultError(c *gongin.Context) {
	c.JSON(http.StatusInternalServerError, gongin.H{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromContext returns an UserIDExtractor that gets user ID from Gin context
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a URL parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Param(paramName)
	}
}
