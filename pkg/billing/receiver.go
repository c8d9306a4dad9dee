package billing

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/paysync/pkg/billing/internal"
	"github.com/mihaimyh/paysync/pkg/paysync"
)

const (
	defaultAckTimeout      = 5 * time.Second
	defaultDispatchTimeout = 5 * time.Second
	defaultBodyLimit       = 256 * 1024
)

// ReceiverConfig configures webhook intake
type ReceiverConfig struct {
	// Ledger records each verified delivery (required)
	Ledger paysync.Ledger

	// Dispatcher hands recorded events to the processor after the response
	// has been written. When nil, rows are left for the sweeper.
	Dispatcher paysync.Dispatcher

	// AckTimeout bounds the synchronous part of a request. Default: 5s
	AckTimeout time.Duration

	// DispatchTimeout bounds the hand-over to the dispatcher. Default: 5s
	DispatchTimeout time.Duration

	// BodyLimit is the maximum accepted body size. Default: 256KB
	BodyLimit int64

	Logger  paysync.Logger
	Metrics Metrics
	Clock   paysync.Clock
}

// Receiver is the HTTP intake for billing webhooks: verify, record, acknowledge,
// then dispatch asynchronously.
type Receiver struct {
	config ReceiverConfig
	wg     sync.WaitGroup
}

// NewReceiver creates a webhook receiver
func NewReceiver(config ReceiverConfig) (*Receiver, error) {
	if config.Ledger == nil {
		return nil, ErrProviderNotConfigured
	}
	if config.AckTimeout <= 0 {
		config.AckTimeout = defaultAckTimeout
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = defaultDispatchTimeout
	}
	if config.BodyLimit <= 0 {
		config.BodyLimit = defaultBodyLimit
	}
	if config.Logger == nil {
		config.Logger = &paysync.NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = paysync.SystemClock()
	}
	return &Receiver{config: config}, nil
}

// Handler returns the HTTP handler for one webhook source
func (rc *Receiver) Handler(src WebhookSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc.serve(src, w, r)
	})
}

// Wait blocks until all in-flight dispatches have been handed over.
func (rc *Receiver) Wait() {
	rc.wg.Wait()
}

type ackResponse struct {
	Status string `json:"status"`
}

func (rc *Receiver) serve(src WebhookSource, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	source := string(src.Source())
	requestID := uuid.NewString()

	internal.SetSecurityHeaders(w)
	w.Header().Set("X-Request-Id", requestID)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, rc.config.BodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			rc.config.Metrics.RecordWebhookError(source, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			rc.config.Metrics.RecordWebhookError(source, "invalid_payload")
		}
		return
	}

	if err := src.Verify(r, body); err != nil {
		rc.config.Logger.Warn("webhook authentication failed",
			paysync.Field{Key: "security", Value: true},
			paysync.Field{Key: "source", Value: source},
			paysync.Field{Key: "request_id", Value: requestID},
			paysync.Field{Key: "remote_ip", Value: internal.GetClientIP(r)},
			paysync.Field{Key: "error", Value: err.Error()})
		rc.config.Metrics.RecordWebhookError(source, "auth_failed")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	env, err := src.Envelope(body)
	if err != nil {
		rc.config.Logger.Warn("webhook payload rejected",
			paysync.Field{Key: "source", Value: source},
			paysync.Field{Key: "request_id", Value: requestID},
			paysync.Field{Key: "error", Value: err.Error()})
		rc.config.Metrics.RecordWebhookError(source, "invalid_payload")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if env.Test {
		_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Status: "ok"})
		rc.config.Metrics.RecordWebhookEvent(source, env.EventType, "test")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), rc.config.AckTimeout)
	defer cancel()

	row := &paysync.WebhookEvent{
		Source:     src.Source(),
		ExternalID: env.ExternalID,
		EventType:  env.EventType,
		RawPayload: body,
		Status:     paysync.StatusPending,
		ReceivedAt: rc.config.Clock.Now(),
	}
	inserted, err := rc.config.Ledger.InsertPending(ctx, row)
	if err != nil {
		rc.config.Logger.Error("failed to record webhook",
			paysync.Field{Key: "source", Value: source},
			paysync.Field{Key: "event_id", Value: env.ExternalID},
			paysync.Field{Key: "request_id", Value: requestID},
			paysync.Field{Key: "error", Value: err.Error()})
		rc.config.Metrics.RecordWebhookError(source, "ledger_error")
		rc.config.Metrics.RecordWebhookEvent(source, env.EventType, "error")
		http.Error(w, "failed to record webhook", http.StatusInternalServerError)
		return
	}

	if !inserted {
		_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Status: "already_processed"})
		rc.config.Metrics.RecordWebhookEvent(source, env.EventType, "duplicate")
		rc.config.Metrics.RecordWebhookProcessingDuration(source, env.EventType, time.Since(start))
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, ackResponse{Status: "accepted"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	rc.config.Metrics.RecordWebhookEvent(source, env.EventType, "accepted")
	rc.config.Metrics.RecordWebhookProcessingDuration(source, env.EventType, time.Since(start))
	rc.config.Logger.Debug("webhook accepted",
		paysync.Field{Key: "source", Value: source},
		paysync.Field{Key: "event_id", Value: env.ExternalID},
		paysync.Field{Key: "event_type", Value: env.EventType},
		paysync.Field{Key: "request_id", Value: requestID})

	if rc.config.Dispatcher != nil {
		rc.wg.Add(1)
		go rc.dispatch(context.WithoutCancel(r.Context()), row.Key())
	}
}

func (rc *Receiver) dispatch(parent context.Context, key paysync.EventKey) {
	defer rc.wg.Done()

	ctx, cancel := context.WithTimeout(parent, rc.config.DispatchTimeout)
	defer cancel()

	if err := rc.config.Dispatcher.Dispatch(ctx, key); err != nil {
		rc.config.Logger.Warn("dispatch failed, event left for sweeper",
			paysync.Field{Key: "source", Value: string(key.Source)},
			paysync.Field{Key: "event_id", Value: key.ExternalID},
			paysync.Field{Key: "error", Value: err.Error()})
		rc.config.Metrics.RecordWebhookError(string(key.Source), "dispatch_failed")
	}
}
