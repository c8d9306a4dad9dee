// Package fiber provides Fiber middleware that gates routes on an entitlement
package fiber

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// EntitlementKey is the Locals key under which the granting entitlement is stored
const EntitlementKey = "paysync:entitlement"

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

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
	OnUnauthorized func(c *fiber.Ctx) error

	// OnDenied is called when the user does not hold the entitlement
	// If nil, returns 403 JSON with the entitlement status
	OnDenied func(c *fiber.Ctx, ent *paysync.Entitlement) error

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error

	// Clock defaults to the wall clock
	Clock paysync.Clock
}

// RequireEntitlement creates a Fiber middleware that rejects requests from users
// who do not currently hold cfg.EntitlementID
func RequireEntitlement(cfg Config) fiber.Handler {
	if cfg.Reader == nil {
		panic("paysync/fiber: Config.Reader is required")
	}
	if cfg.EntitlementID == "" {
		panic("paysync/fiber: Config.EntitlementID is required")
	}
	if cfg.GetUserID == nil {
		panic("paysync/fiber: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = paysync.SystemClock()
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return defaultUnauthorized(c)
		}

		ok, ent, err := paysync.HasAccess(c.UserContext(), cfg.Reader, userID, cfg.EntitlementID, cfg.Clock.Now())
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

		c.Locals(EntitlementKey, ent)
		return c.Next()
	}
}

func defaultUnauthorized(c *fiber.Ctx) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
}

func defaultDenied(c *fiber.Ctx, entitlementID string, ent *paysync.Entitlement) error {
	body := fiber.Map{"error": "Entitlement required", "entitlement": entitlementID}
	if ent != nil {
		body["status"] = string(ent.Status)
	}
	return c.Status(fiber.StatusForbidden).JSON(body)
}

func defaultError(c *fiber.Ctx) error {
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal Server Error"})
}

// Common extractors for convenience

// FromContext returns an UserIDExtractor that gets user ID from Fiber locals
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns an UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}
