// Package redis provides Redis-backed coordination for paysync: a durable
// dispatch queue shared by several processes and a distributed per-user lock.
// Ledger and entitlement state live in a transactional storage backend.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Config holds Redis configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "paysync:")
	KeyPrefix string

	// LockTTL bounds how long a lock survives a crashed holder (default: 30s)
	LockTTL time.Duration

	// LockRetryInterval is the wait between acquisition attempts (default: 50ms)
	LockRetryInterval time.Duration

	// PollTimeout is how long a consumer blocks waiting for work (default: 5s)
	PollTimeout time.Duration

	Logger  paysync.Logger
	Metrics paysync.Metrics
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:         "paysync:",
		LockTTL:           30 * time.Second,
		LockRetryInterval: 50 * time.Millisecond,
		PollTimeout:       5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.LockTTL <= 0 {
		c.LockTTL = d.LockTTL
	}
	if c.LockRetryInterval <= 0 {
		c.LockRetryInterval = d.LockRetryInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.Logger == nil {
		c.Logger = &paysync.NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &paysync.NoopMetrics{}
	}
	return c
}

// Ping checks connectivity
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// encodeKey renders an event key as a queue member. Sources never contain ':'.
func encodeKey(key paysync.EventKey) string {
	return key.String()
}

func decodeKey(member string) (paysync.EventKey, error) {
	source, id, ok := strings.Cut(member, ":")
	if !ok || id == "" {
		return paysync.EventKey{}, fmt.Errorf("malformed queue member %q", member)
	}
	src, err := paysync.ParseSource(source)
	if err != nil {
		return paysync.EventKey{}, err
	}
	return paysync.EventKey{Source: src, ExternalID: id}, nil
}
