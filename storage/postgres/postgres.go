// Package postgres provides a PostgreSQL implementation of the paysync.Storage interface.
// Commits run in a single transaction and use SELECT FOR UPDATE on the ledger
// row, the user row and each entitlement row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Storage implements paysync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	usersTable    string
	userIDColumn  string
	premiumColumn string
}

var _ paysync.Storage = (*Storage)(nil)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// The user table is owned by the application. Names may be schema
	// qualified ("auth.users") and are quoted before use.
	UsersTable    string
	UserIDColumn  string
	PremiumColumn string

	// RunMigrations applies the embedded schema migrations in New
	RunMigrations bool

	// Clock is used for processed_at and updated_at. Default: system clock
	Clock paysync.Clock
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		UsersTable:      "users",
		UserIDColumn:    "id",
		PremiumColumn:   "is_premium",
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	defaults := DefaultConfig()
	if config.UsersTable == "" {
		config.UsersTable = defaults.UsersTable
	}
	if config.UserIDColumn == "" {
		config.UserIDColumn = defaults.UserIDColumn
	}
	if config.PremiumColumn == "" {
		config.PremiumColumn = defaults.PremiumColumn
	}
	if config.Clock == nil {
		config.Clock = paysync.SystemClock()
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.RunMigrations {
		if err := Migrate(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{
		pool:          pool,
		config:        config,
		usersTable:    quoteIdentifier(config.UsersTable),
		userIDColumn:  quoteIdentifier(config.UserIDColumn),
		premiumColumn: quoteIdentifier(config.PremiumColumn),
	}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// quoteIdentifier quotes a possibly schema-qualified name
func quoteIdentifier(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

const eventColumns = `source, external_id, event_type, raw_payload, status, attempts,
	received_at, processed_at, error_message`

// InsertPending implements paysync.Ledger. The primary key on
// (source, external_id) picks the single winner of concurrent inserts.
func (s *Storage) InsertPending(ctx context.Context, ev *paysync.WebhookEvent) (bool, error) {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.config.Clock.Now()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (source, external_id, event_type, raw_payload, status, received_at)
			VALUES ($1, $2, $3, $4, 'pending', $5)
			ON CONFLICT (source, external_id) DO NOTHING`,
		string(ev.Source), ev.ExternalID, ev.EventType, ev.RawPayload, receivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEvent implements paysync.Ledger
func (s *Storage) GetEvent(ctx context.Context, key paysync.EventKey) (*paysync.WebhookEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE source = $1 AND external_id = $2`,
		string(key.Source), key.ExternalID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return ev, nil
}

// MarkStatus implements paysync.Ledger
func (s *Storage) MarkStatus(ctx context.Context, key paysync.EventKey, status paysync.EventStatus,
	errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status = $3, error_message = $4, processed_at = $5
			WHERE source = $1 AND external_id = $2 AND status = 'pending'`,
		string(key.Source), key.ExternalID, string(status), errMsg, s.config.Clock.Now())
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notPendingReason(ctx, key)
	}
	return nil
}

// RecordAttempt implements paysync.Ledger
func (s *Storage) RecordAttempt(ctx context.Context, key paysync.EventKey, errMsg string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE webhook_events SET attempts = attempts + 1, error_message = $3
			WHERE source = $1 AND external_id = $2 AND status = 'pending'
			RETURNING attempts`,
		string(key.Source), key.ExternalID, errMsg).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, s.notPendingReason(ctx, key)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return attempts, nil
}

// ListPending implements paysync.Ledger
func (s *Storage) ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*paysync.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
			WHERE status = 'pending' AND received_at < $1
			ORDER BY received_at, source, external_id
			LIMIT $2`,
		olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	defer rows.Close()

	var events []*paysync.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return events, nil
}

// Requeue implements paysync.Ledger
func (s *Storage) Requeue(ctx context.Context, key paysync.EventKey) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_events SET status = 'pending', attempts = 0, processed_at = NULL
			WHERE source = $1 AND external_id = $2 AND status = 'failed'`,
		string(key.Source), key.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to requeue webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetEvent(ctx, key); err != nil {
		return err
	}
	return paysync.ErrEventNotFailed
}

// notPendingReason tells a missing row from a finalized one after a
// conditional update matched nothing.
func (s *Storage) notPendingReason(ctx context.Context, key paysync.EventKey) error {
	if _, err := s.GetEvent(ctx, key); err != nil {
		return err
	}
	return paysync.ErrEventNotPending
}

const entitlementColumns = `user_id, entitlement_id, product_id, status, platform, purchase_date,
	expiration_date, auto_renew, last_event_at, updated_at`

// GetEntitlement implements paysync.EntitlementReader
func (s *Storage) GetEntitlement(ctx context.Context, userID, entitlementID string) (*paysync.Entitlement, error) {
	ent, err := scanEntitlement(s.pool.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements
			WHERE user_id = $1 AND entitlement_id = $2`,
		userID, entitlementID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}
	return ent, nil
}

// ListEntitlements implements paysync.EntitlementReader
func (s *Storage) ListEntitlements(ctx context.Context, userID string) ([]*paysync.Entitlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entitlementColumns+` FROM user_entitlements
			WHERE user_id = $1 ORDER BY entitlement_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	ents := make([]*paysync.Entitlement, 0)
	for rows.Next() {
		ent, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		ents = append(ents, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	return ents, nil
}

// UserExists implements paysync.UserDirectory
func (s *Storage) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s = $1)`, s.usersTable, s.userIDColumn),
		userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up user: %w", err)
	}
	return exists, nil
}

// IsPremium implements paysync.UserDirectory
func (s *Storage) IsPremium(ctx context.Context, userID string) (bool, error) {
	var premium bool
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE %s = $1`, s.premiumColumn, s.usersTable, s.userIDColumn),
		userID).Scan(&premium)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, paysync.ErrUserNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read premium flag: %w", err)
	}
	return premium, nil
}

// Commit implements paysync.Committer with a single transaction.
// Lock order is ledger row, user row, entitlement rows.
//
//nolint:gocyclo // Transaction covers ledger, user and entitlement writes
func (s *Storage) Commit(ctx context.Context, c *paysync.Commit) (*paysync.CommitResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM webhook_events WHERE source = $1 AND external_id = $2 FOR UPDATE`,
		string(c.Key.Source), c.Key.ExternalID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock webhook event: %w", err)
	}
	if paysync.EventStatus(status) != paysync.StatusPending {
		return nil, paysync.ErrEventNotPending
	}

	// The user row lock serializes commits for the same user across processes.
	var one int
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1 FOR UPDATE`, s.usersTable, s.userIDColumn),
		c.UserID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, paysync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	// timestamptz keeps microseconds
	occurredAt := c.OccurredAt.UTC().Truncate(time.Microsecond)
	now := s.config.Clock.Now()
	res := &paysync.CommitResult{}
	for _, ch := range c.Changes {
		cur, err := scanEntitlement(tx.QueryRow(ctx,
			`SELECT `+entitlementColumns+` FROM user_entitlements
				WHERE user_id = $1 AND entitlement_id = $2 FOR UPDATE`,
			c.UserID, ch.EntitlementID))
		if errors.Is(err, pgx.ErrNoRows) {
			cur = nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to lock entitlement: %w", err)
		}

		if cur != nil && !occurredAt.After(cur.LastEventAt) {
			res.Stale = append(res.Stale, ch.EntitlementID)
			continue
		}
		next := ch.Apply(cur.Clone())
		if next == nil {
			continue
		}
		next.UserID = c.UserID
		next.EntitlementID = ch.EntitlementID
		next.LastEventAt = occurredAt
		next.UpdatedAt = now

		if err := upsertEntitlement(ctx, tx, next); err != nil {
			return nil, err
		}
		res.Applied = append(res.Applied, next)
		res.Previous = append(res.Previous, cur)
	}

	if len(res.Applied) > 0 && c.Premium != paysync.PremiumUnchanged {
		_, err = tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET %s = $2 WHERE %s = $1`, s.usersTable, s.premiumColumn, s.userIDColumn),
			c.UserID, c.Premium == paysync.PremiumGrant)
		if err != nil {
			return nil, fmt.Errorf("failed to update premium flag: %w", err)
		}
		res.PremiumChanged = true
	}

	_, err = tx.Exec(ctx,
		`UPDATE webhook_events SET status = 'succeeded', error_message = '', processed_at = $3
			WHERE source = $1 AND external_id = $2`,
		string(c.Key.Source), c.Key.ExternalID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize webhook event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return res, nil
}

// AddUser inserts a user into the default users table. Applications that
// own their user table do not need it; it exists for tests and tooling.
func (s *Storage) AddUser(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1) ON CONFLICT DO NOTHING`, s.usersTable, s.userIDColumn),
		userID)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

func upsertEntitlement(ctx context.Context, tx pgx.Tx, ent *paysync.Entitlement) error {
	var purchase *time.Time
	if !ent.PurchaseDate.IsZero() {
		p := ent.PurchaseDate.UTC()
		purchase = &p
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO user_entitlements (`+entitlementColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (user_id, entitlement_id) DO UPDATE SET
				product_id = EXCLUDED.product_id,
				status = EXCLUDED.status,
				platform = EXCLUDED.platform,
				purchase_date = EXCLUDED.purchase_date,
				expiration_date = EXCLUDED.expiration_date,
				auto_renew = EXCLUDED.auto_renew,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.EntitlementID, ent.ProductID, string(ent.Status), ent.Platform,
		purchase, ent.ExpirationDate, ent.AutoRenew, ent.LastEventAt, ent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert entitlement: %w", err)
	}
	return nil
}

func scanEvent(row pgx.Row) (*paysync.WebhookEvent, error) {
	var (
		ev          paysync.WebhookEvent
		source      string
		status      string
		processedAt *time.Time
	)
	err := row.Scan(&source, &ev.ExternalID, &ev.EventType, &ev.RawPayload, &status,
		&ev.Attempts, &ev.ReceivedAt, &processedAt, &ev.ErrorMessage)
	if err != nil {
		return nil, err
	}
	ev.Source = paysync.Source(source)
	ev.Status = paysync.EventStatus(status)
	ev.ReceivedAt = ev.ReceivedAt.UTC()
	if processedAt != nil {
		t := processedAt.UTC()
		ev.ProcessedAt = &t
	}
	return &ev, nil
}

func scanEntitlement(row pgx.Row) (*paysync.Entitlement, error) {
	var (
		ent        paysync.Entitlement
		status     string
		purchase   *time.Time
		expiration *time.Time
	)
	err := row.Scan(&ent.UserID, &ent.EntitlementID, &ent.ProductID, &status, &ent.Platform,
		&purchase, &expiration, &ent.AutoRenew, &ent.LastEventAt, &ent.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ent.Status = paysync.EntitlementStatus(status)
	if purchase != nil {
		ent.PurchaseDate = purchase.UTC()
	}
	if expiration != nil {
		t := expiration.UTC()
		ent.ExpirationDate = &t
	}
	ent.LastEventAt = ent.LastEventAt.UTC()
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return &ent, nil
}
