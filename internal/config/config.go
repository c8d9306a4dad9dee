// Package config loads daemon settings from the environment and optional .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every paysyncd setting
type Config struct {
	HTTPAddr        string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	LogLevel        string        `validate:"oneof=debug info warn error"`
	LogFormat       string        `validate:"oneof=json console"`

	// DatabaseURL selects the Postgres backend; empty runs on in-memory storage
	DatabaseURL   string `validate:"omitempty,url"`
	RunMigrations bool
	UsersTable    string `validate:"required"`

	// RedisAddr enables the distributed lock and the durable dispatch queue
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0,lte=15"`

	RevenueCatAuthToken string `validate:"required_without=PaddleWebhookSecret"`
	PaddleWebhookSecret string
	EntitlementMapping  map[string]string
	DefaultEntitlement  string
	ReplayWindow        time.Duration `validate:"gt=0"`
	RateLimitRequests   int
	RateLimitWindow     time.Duration `validate:"gt=0"`

	// AdminToken guards the query/admin API; empty leaves it unmounted
	AdminToken string `validate:"omitempty,min=16"`

	BillingIssuePolicy string        `validate:"oneof=notify suspend"`
	Workers            int           `validate:"gte=1"`
	QueueSize          int           `validate:"gte=1"`
	MaxAttempts        int           `validate:"gte=1"`
	SweepInterval      time.Duration `validate:"gt=0"`
	SweepThreshold     time.Duration `validate:"gt=0"`

	CircuitBreakerThreshold int           `validate:"gte=1"`
	CircuitBreakerReset     time.Duration `validate:"gt=0"`
}

// Default returns the settings used when a variable is unset
func Default() Config {
	return Config{
		HTTPAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		LogLevel:                "info",
		LogFormat:               "json",
		RunMigrations:           true,
		UsersTable:              "users",
		ReplayWindow:            5 * time.Minute,
		RateLimitRequests:       100,
		RateLimitWindow:         time.Minute,
		BillingIssuePolicy:      "notify",
		Workers:                 4,
		QueueSize:               1024,
		MaxAttempts:             10,
		SweepInterval:           time.Minute,
		SweepThreshold:          2 * time.Minute,
		CircuitBreakerThreshold: 5,
		CircuitBreakerReset:     30 * time.Second,
	}
}

// Load reads the first existing file in envFiles (if any), overlays the
// process environment and validates the result. Process variables win.
func Load(envFiles ...string) (Config, error) {
	fileEnv := map[string]string{}
	for _, f := range envFiles {
		vals, err := godotenv.Read(f)
		if err == nil {
			fileEnv = vals
			break
		}
		if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to read %s: %w", f, err)
		}
	}
	return load(func(key string) (string, bool) {
		if val, ok := os.LookupEnv(key); ok {
			return val, true
		}
		val, ok := fileEnv[key]
		return val, ok
	})
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.str("PAYSYNC_HTTP_ADDR", &cfg.HTTPAddr)
	p.duration("PAYSYNC_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout)
	p.str("PAYSYNC_LOG_LEVEL", &cfg.LogLevel)
	p.str("PAYSYNC_LOG_FORMAT", &cfg.LogFormat)

	p.str("DATABASE_URL", &cfg.DatabaseURL)
	p.boolean("PAYSYNC_RUN_MIGRATIONS", &cfg.RunMigrations)
	p.str("PAYSYNC_USERS_TABLE", &cfg.UsersTable)

	p.str("REDIS_ADDR", &cfg.RedisAddr)
	p.str("REDIS_PASSWORD", &cfg.RedisPassword)
	p.integer("REDIS_DB", &cfg.RedisDB)

	p.str("REVENUECAT_WEBHOOK_AUTH_TOKEN", &cfg.RevenueCatAuthToken)
	p.str("PADDLE_WEBHOOK_SECRET", &cfg.PaddleWebhookSecret)
	p.mapping("PAYSYNC_ENTITLEMENT_MAPPING", &cfg.EntitlementMapping)
	p.str("PAYSYNC_DEFAULT_ENTITLEMENT", &cfg.DefaultEntitlement)
	p.duration("PAYSYNC_REPLAY_WINDOW", &cfg.ReplayWindow)
	p.integer("PAYSYNC_RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests)
	p.duration("PAYSYNC_RATE_LIMIT_WINDOW", &cfg.RateLimitWindow)

	p.str("PAYSYNC_ADMIN_TOKEN", &cfg.AdminToken)

	p.str("PAYSYNC_BILLING_ISSUE_POLICY", &cfg.BillingIssuePolicy)
	p.integer("PAYSYNC_WORKERS", &cfg.Workers)
	p.integer("PAYSYNC_QUEUE_SIZE", &cfg.QueueSize)
	p.integer("PAYSYNC_MAX_ATTEMPTS", &cfg.MaxAttempts)
	p.duration("PAYSYNC_SWEEP_INTERVAL", &cfg.SweepInterval)
	p.duration("PAYSYNC_SWEEP_THRESHOLD", &cfg.SweepThreshold)

	p.integer("PAYSYNC_CB_THRESHOLD", &cfg.CircuitBreakerThreshold)
	p.duration("PAYSYNC_CB_RESET", &cfg.CircuitBreakerReset)

	if len(p.errs) > 0 {
		return Config{}, errors.Join(p.errs...)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) get(key string) (string, bool) {
	val, ok := p.lookup(key)
	val = strings.TrimSpace(val)
	return val, ok && val != ""
}

func (p *parser) str(key string, dst *string) {
	if val, ok := p.get(key); ok {
		*dst = val
	}
}

func (p *parser) integer(key string, dst *int) {
	val, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (p *parser) boolean(key string, dst *bool) {
	val, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (p *parser) duration(key string, dst *time.Duration) {
	val, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// mapping parses "prod_monthly=premium,prod_yearly=premium"
func (p *parser) mapping(key string, dst *map[string]string) {
	val, ok := p.get(key)
	if !ok {
		return
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		product, entitlement, found := strings.Cut(pair, "=")
		product, entitlement = strings.TrimSpace(product), strings.TrimSpace(entitlement)
		if !found || product == "" || entitlement == "" {
			p.errs = append(p.errs, fmt.Errorf("%s: malformed pair %q", key, pair))
			continue
		}
		m[product] = entitlement
	}
	*dst = m
}
