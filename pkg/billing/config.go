package billing

import (
	"strings"
	"time"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	// DefaultReplayWindow bounds the age of timestamp-signed webhooks
	DefaultReplayWindow = 5 * time.Minute

	defaultRateLimitRequests = 100
	defaultRateLimitWindow   = time.Minute
	defaultEntitlementKey    = "*"
	defaultEntitlementAlias  = "default"
)

// Config defines the standard configuration all providers accept
type Config struct {
	// Receiver records verified deliveries and dispatches them (required)
	Receiver *Receiver

	// WebhookSecret is the bearer token or HMAC secret configured in the provider dashboard
	WebhookSecret string

	// EntitlementMapping maps provider product ids to entitlement ids, used when
	// a payload does not name the entitlement itself.
	// Reserved keys:
	//   - "*" or "default": entitlement for unmapped products
	EntitlementMapping map[string]string

	// DefaultEntitlement is used when neither the payload nor the mapping
	// names an entitlement. Overridden by a "*" or "default" mapping key.
	DefaultEntitlement string

	// ReplayWindow is the maximum clock skew accepted for timestamped signatures.
	// Default: 5 minutes
	ReplayWindow time.Duration

	// RateLimit limits webhook requests per client IP
	RateLimit RateLimitConfig

	// Metrics is an optional metrics collector for provider-level errors
	Metrics Metrics

	// Clock is used for replay window checks. Default: system clock
	Clock paysync.Clock
}

// RateLimitConfig limits requests per client IP within a fixed window
type RateLimitConfig struct {
	// Requests allowed per window. Default: 100; negative disables limiting
	Requests int
	// Window length. Default: 1 minute
	Window time.Duration
}

// WithDefaults returns a copy of c with zero values replaced by defaults
func (c Config) WithDefaults() Config {
	if c.ReplayWindow <= 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = defaultRateLimitRequests
	}
	if c.RateLimit.Window <= 0 {
		c.RateLimit.Window = defaultRateLimitWindow
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.Clock == nil {
		c.Clock = paysync.SystemClock()
	}
	return c
}

// EntitlementMapper maps provider product ids to entitlement ids.
// Lookups are case-insensitive.
type EntitlementMapper struct {
	mapping   map[string]string
	defaultID string
}

// NewEntitlementMapper creates a mapper from the configured mapping and default
func NewEntitlementMapper(mapping map[string]string, defaultEntitlement string) *EntitlementMapper {
	m := &EntitlementMapper{
		mapping:   make(map[string]string, len(mapping)),
		defaultID: strings.TrimSpace(defaultEntitlement),
	}
	for k, v := range mapping {
		m.mapping[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	if def, ok := m.mapping[defaultEntitlementKey]; ok {
		m.defaultID = def
	} else if def, ok := m.mapping[defaultEntitlementAlias]; ok {
		m.defaultID = def
	}
	return m
}

// Map returns the entitlement for productID, falling back to the default.
// Returns "" when nothing applies.
func (m *EntitlementMapper) Map(productID string) string {
	key := strings.ToLower(strings.TrimSpace(productID))
	if key != "" && key != defaultEntitlementKey && key != defaultEntitlementAlias {
		if id, ok := m.mapping[key]; ok && id != "" {
			return id
		}
	}
	return m.defaultID
}
