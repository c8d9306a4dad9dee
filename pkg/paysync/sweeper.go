package paysync

import (
	"context"
	"time"
)

// RowProcessor processes a single ledger row. Processor implements it.
type RowProcessor interface {
	Process(ctx context.Context, row *WebhookEvent) (Outcome, error)
}

// SweeperConfig configures the reconciliation sweeper
type SweeperConfig struct {
	// Interval between sweeps. Default: 1 minute
	Interval time.Duration

	// Threshold is how long a row must have been pending before the sweeper
	// picks it up, so rows still in flight are left to the dispatcher.
	// Default: 2 minutes
	Threshold time.Duration

	// BatchSize caps the rows handled per sweep. Default: 100
	BatchSize int

	Logger  Logger
	Metrics Metrics
	Clock   Clock
}

// SweepResult summarizes one sweep
type SweepResult struct {
	Found     int
	Succeeded int
	Failed    int
	Retried   int
	Skipped   int
}

// Sweeper re-drives ledger rows stuck in pending, e.g. because the process
// crashed after acknowledging the provider or the dispatch queue was full.
type Sweeper struct {
	ledger    Ledger
	processor RowProcessor
	config    SweeperConfig
}

// NewSweeper creates a sweeper
func NewSweeper(ledger Ledger, processor RowProcessor, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.Threshold <= 0 {
		config.Threshold = 2 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = SystemClock()
	}
	return &Sweeper{ledger: ledger, processor: processor, config: config}
}

// SweepOnce processes one batch of stale pending rows.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	cutoff := s.config.Clock.Now().Add(-s.config.Threshold)
	rows, err := s.ledger.ListPending(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return res, err
	}
	res.Found = len(rows)

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.processor.Process(ctx, row)
		switch outcome {
		case OutcomeSucceeded:
			res.Succeeded++
		case OutcomeFailed:
			res.Failed++
		case OutcomeSkipped:
			res.Skipped++
		default:
			res.Retried++
			if err != nil {
				s.config.Logger.Debug("sweep attempt failed", append(keyFields(row.Key()), errField(err))...)
			}
		}
	}

	s.config.Metrics.RecordSweep(res.Found, res.Succeeded+res.Failed)
	if res.Found > 0 {
		s.config.Logger.Info("sweep completed",
			Field{Key: "found", Value: res.Found},
			Field{Key: "succeeded", Value: res.Succeeded},
			Field{Key: "failed", Value: res.Failed},
			Field{Key: "retried", Value: res.Retried})
	}
	return res, ctx.Err()
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.config.Logger.Error("sweep failed", errField(err))
			}
		}
	}
}
