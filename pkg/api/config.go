package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Config holds configuration for the query/admin API handler
type Config struct {
	// Reader serves entitlement lookups (required)
	Reader paysync.EntitlementReader

	// Ledger serves event inspection and requeue (required)
	Ledger paysync.Ledger

	// Dispatcher is called after a successful requeue.
	// If nil, requeued events wait for the sweeper.
	Dispatcher paysync.Dispatcher

	// OnError handles errors (not found, internal, etc.)
	// If nil, uses default JSON error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is optional. Defaults to paysync.NoopLogger.
	Logger paysync.Logger

	// Clock drives has_access evaluation. Defaults to the wall clock.
	Clock paysync.Clock
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Reader == nil {
		return fmt.Errorf("entitlement reader is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &paysync.NoopLogger{}
	}
	if config.Clock == nil {
		config.Clock = paysync.SystemClock()
	}
	return &Handler{
		config: config,
	}, nil
}
