package paysync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Decoder turns a stored raw payload into a provider-neutral Event.
// Implementations validate the payload before reading fields and return
// an Event with Type EventUnknown for event kinds they do not handle.
type Decoder interface {
	Decode(raw []byte) (*Event, error)
}

// DecoderFunc adapts a function to the Decoder interface
type DecoderFunc func(raw []byte) (*Event, error)

// Decode implements Decoder
func (f DecoderFunc) Decode(raw []byte) (*Event, error) { return f(raw) }

// Outcome is the result of one processing attempt
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
	OutcomeSkipped   Outcome = "skipped"
)

const (
	defaultMaxAttempts = 10
	noneStatus         = "none"
)

// ProcessorConfig configures the event processor
type ProcessorConfig struct {
	// Storage is the persistence backend (required)
	Storage Storage

	// Decoders maps each source to its payload decoder (required per source used)
	Decoders map[Source]Decoder

	// Locker serializes commits per user. Default: in-process KeyedMutex.
	// Use a distributed locker when several processes consume events.
	Locker KeyLocker

	// Notifier receives entitlement changes, billing issues and failures (optional)
	Notifier Notifier

	// BillingIssuePolicy decides whether billing_issue suspends access.
	// Default: BillingIssueNotify
	BillingIssuePolicy BillingIssuePolicy

	// MaxAttempts is the number of transient failures after which an event is
	// marked failed. Default: 10
	MaxAttempts int

	Logger  Logger
	Metrics Metrics
}

// Processor interprets ledger rows and applies entitlement transitions.
type Processor struct {
	storage     Storage
	decoders    map[Source]Decoder
	resolver    *Resolver
	locker      KeyLocker
	notifier    Notifier
	policy      BillingIssuePolicy
	maxAttempts int
	logger      Logger
	metrics     Metrics
}

// NewProcessor creates a processor with the given configuration
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Storage == nil {
		return nil, ErrStorageUnavailable
	}
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = noopNotifier{}
	}
	switch cfg.BillingIssuePolicy {
	case "":
		cfg.BillingIssuePolicy = BillingIssueNotify
	case BillingIssueNotify, BillingIssueSuspend:
	default:
		return nil, fmt.Errorf("invalid billing issue policy %q", cfg.BillingIssuePolicy)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	decoders := make(map[Source]Decoder, len(cfg.Decoders))
	for src, dec := range cfg.Decoders {
		decoders[src] = dec
	}

	return &Processor{
		storage:     cfg.Storage,
		decoders:    decoders,
		resolver:    NewResolver(cfg.Storage),
		locker:      cfg.Locker,
		notifier:    cfg.Notifier,
		policy:      cfg.BillingIssuePolicy,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}, nil
}

// HandleKey loads the ledger row for key and processes it if still pending.
// It is the entry point for dispatch workers.
func (p *Processor) HandleKey(ctx context.Context, key EventKey) error {
	row, err := p.storage.GetEvent(ctx, key)
	if errors.Is(err, ErrEventNotFound) {
		p.logger.Warn("dispatched event missing from ledger", keyFields(key)...)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load event %s: %w", key, err)
	}
	_, err = p.Process(ctx, row)
	return err
}

// Process applies one ledger row. Terminal failures are recorded in the
// ledger and reported as OutcomeFailed with a nil error; a non-nil error
// means the row is still pending and will be retried.
func (p *Processor) Process(ctx context.Context, row *WebhookEvent) (Outcome, error) {
	start := time.Now()
	if row.Status != StatusPending {
		p.metrics.RecordEventProcessed(string(row.Source), row.EventType, string(OutcomeSkipped))
		return OutcomeSkipped, nil
	}

	outcome, err := p.process(ctx, row)

	p.metrics.RecordEventProcessed(string(row.Source), row.EventType, string(outcome))
	p.metrics.RecordProcessingDuration(string(row.Source), row.EventType, time.Since(start))
	return outcome, err
}

func (p *Processor) process(ctx context.Context, row *WebhookEvent) (Outcome, error) {
	ev, err := p.decode(row)
	if err != nil {
		return p.fail(ctx, row, err)
	}

	userID, err := p.resolver.Resolve(ctx, ev.CandidateIDs)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return p.fail(ctx, row, err)
		}
		return p.retry(ctx, row, err)
	}

	commit, err := BuildCommit(ev, userID, p.policy)
	if err != nil {
		return p.fail(ctx, row, err)
	}

	unlock, err := p.locker.Lock(ctx, "user:"+userID)
	if err != nil {
		return p.retry(ctx, row, fmt.Errorf("failed to acquire user lock: %w", err))
	}
	res, err := p.storage.Commit(ctx, commit)
	unlock()
	if err != nil {
		if errors.Is(err, ErrEventNotPending) {
			return OutcomeSkipped, nil
		}
		// The user can disappear between resolution and commit.
		if errors.Is(err, ErrUserNotFound) {
			return p.fail(ctx, row, err)
		}
		return p.retry(ctx, row, err)
	}

	p.afterCommit(ctx, ev, userID, res)
	return OutcomeSucceeded, nil
}

func (p *Processor) decode(row *WebhookEvent) (*Event, error) {
	dec, ok := p.decoders[row.Source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDecoder, row.Source)
	}
	ev, err := dec.Decode(row.RawPayload)
	if err != nil {
		if IsTerminal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	ev.Source = row.Source
	if ev.ExternalID == "" {
		ev.ExternalID = row.ExternalID
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = row.ReceivedAt
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// fail marks the row failed. Failures here are not retried automatically.
func (p *Processor) fail(ctx context.Context, row *WebhookEvent, cause error) (Outcome, error) {
	key := row.Key()
	if err := p.storage.MarkStatus(ctx, key, StatusFailed, cause.Error()); err != nil {
		if errors.Is(err, ErrEventNotPending) {
			return OutcomeSkipped, nil
		}
		return OutcomeRetry, fmt.Errorf("failed to mark event failed: %w", err)
	}

	fields := append(keyFields(key), Field{Key: "event_type", Value: row.EventType}, errField(cause))
	p.logger.Warn("webhook event failed", fields...)
	p.notify(ctx, Notification{
		Kind:   NotifyEventFailed,
		Key:    key,
		Reason: cause.Error(),
	})
	return OutcomeFailed, nil
}

// retry records a transient failure; after maxAttempts the row is dead-lettered.
func (p *Processor) retry(ctx context.Context, row *WebhookEvent, cause error) (Outcome, error) {
	key := row.Key()
	attempts, err := p.storage.RecordAttempt(ctx, key, cause.Error())
	if errors.Is(err, ErrEventNotPending) {
		return OutcomeSkipped, nil
	}
	if err != nil {
		p.logger.Error("failed to record processing attempt", append(keyFields(key), errField(err))...)
		return OutcomeRetry, cause
	}
	if attempts >= p.maxAttempts {
		return p.fail(ctx, row, fmt.Errorf("giving up after %d attempts: %w", attempts, cause))
	}

	fields := append(keyFields(key), Field{Key: "attempts", Value: attempts}, errField(cause))
	p.logger.Warn("webhook event processing will be retried", fields...)
	return OutcomeRetry, cause
}

func (p *Processor) afterCommit(ctx context.Context, ev *Event, userID string, res *CommitResult) {
	key := ev.Key()
	for _, id := range res.Stale {
		p.metrics.RecordStaleEvent(string(ev.Source), ev.RawType)
		p.logger.Info("stale event ignored for entitlement", append(keyFields(key),
			Field{Key: "user_id", Value: userID},
			Field{Key: "entitlement_id", Value: id},
			Field{Key: "occurred_at", Value: ev.OccurredAt})...)
	}

	for i, ent := range res.Applied {
		var prev *Entitlement
		if i < len(res.Previous) {
			prev = res.Previous[i]
		}
		from := noneStatus
		if prev != nil {
			from = string(prev.Status)
		}
		if from != string(ent.Status) {
			p.metrics.RecordEntitlementTransition(from, string(ent.Status))
		}
		p.notify(ctx, Notification{
			Kind:          NotifyEntitlementChanged,
			Key:           key,
			UserID:        userID,
			EntitlementID: ent.EntitlementID,
			EventType:     ev.Type,
			OccurredAt:    ev.OccurredAt,
			Entitlement:   ent,
			Previous:      prev,
		})
	}

	if ev.Type == EventBillingIssue {
		for _, id := range ev.EntitlementIDs {
			p.notify(ctx, Notification{
				Kind:          NotifyBillingIssue,
				Key:           key,
				UserID:        userID,
				EntitlementID: id,
				EventType:     ev.Type,
				OccurredAt:    ev.OccurredAt,
			})
		}
	}

	p.logger.Info("webhook event processed", append(keyFields(key),
		Field{Key: "event_type", Value: string(ev.Type)},
		Field{Key: "user_id", Value: userID},
		Field{Key: "applied", Value: len(res.Applied)},
		Field{Key: "stale", Value: len(res.Stale)})...)
}

func (p *Processor) notify(ctx context.Context, n Notification) {
	if err := p.notifier.Notify(ctx, n); err != nil {
		p.logger.Error("notifier failed", append(keyFields(n.Key),
			Field{Key: "kind", Value: string(n.Kind)}, errField(err))...)
	}
}
