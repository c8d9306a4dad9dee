// Package http provides HTTP middleware that gates handlers on an entitlement
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Reader looks up entitlements (required)
	Reader paysync.EntitlementReader

	// EntitlementID is the entitlement the wrapped handler requires (required)
	EntitlementID string

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnDenied is called when the user does not hold the entitlement.
	// ent is nil when the user never had it.
	// If nil, returns 403 Forbidden
	OnDenied func(w http.ResponseWriter, r *http.Request, ent *paysync.Entitlement)

	// OnError is called when the entitlement lookup fails
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Clock defaults to the wall clock
	Clock paysync.Clock
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UserIDKey is the context key for user ID
	UserIDKey ContextKey = "paysync:userID"

	// EntitlementKey is the context key under which the granting entitlement is stored
	EntitlementKey ContextKey = "paysync:entitlement"
)

// RequireEntitlement creates an HTTP middleware that only lets requests through
// when the user currently holds cfg.EntitlementID
func RequireEntitlement(cfg Config) func(http.Handler) http.Handler {
	if cfg.Reader == nil {
		panic("paysync/http: Config.Reader is required")
	}
	if cfg.EntitlementID == "" {
		panic("paysync/http: Config.EntitlementID is required")
	}
	if cfg.GetUserID == nil {
		panic("paysync/http: Config.GetUserID is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = paysync.SystemClock()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := cfg.GetUserID(r)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					cfg.OnUnauthorized(w, r)
				} else {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				}
				return
			}

			ok, ent, err := paysync.HasAccess(r.Context(), cfg.Reader, userID, cfg.EntitlementID, cfg.Clock.Now())
			if err != nil {
				if cfg.OnError != nil {
					cfg.OnError(w, r, err)
				} else {
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
				return
			}
			if !ok {
				if cfg.OnDenied != nil {
					cfg.OnDenied(w, r, ent)
				} else {
					http.Error(w, "Forbidden", http.StatusForbidden)
				}
				return
			}

			ctx := context.WithValue(r.Context(), EntitlementKey, ent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc is the http.HandlerFunc version of RequireEntitlement
func HandlerFunc(cfg Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := RequireEntitlement(cfg)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// EntitlementFromContext returns the entitlement that let the request through
func EntitlementFromContext(ctx context.Context) (*paysync.Entitlement, bool) {
	ent, ok := ctx.Value(EntitlementKey).(*paysync.Entitlement)
	return ent, ok
}

// FromContext returns an UserIDExtractor that gets user ID from request context
func FromContext(key ContextKey) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// FromHeader returns an UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}
