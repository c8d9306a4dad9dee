package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// Queue is a paysync.Dispatcher backed by a Redis list. Consumers move each
// key to a processing list with BLMOVE and remove it only after handling, so
// keys held by a crashed consumer can be recovered.
type Queue struct {
	client        redis.UniversalClient
	config        Config
	queueKey      string
	processingKey string
}

var _ paysync.Dispatcher = (*Queue)(nil)

// NewQueue creates a Redis dispatch queue
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewQueue(client redis.UniversalClient, config Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	config = config.withDefaults()
	// hash tag keeps both lists in one cluster slot for BLMOVE
	return &Queue{
		client:        client,
		config:        config,
		queueKey:      config.KeyPrefix + "{dispatch}:queue",
		processingKey: config.KeyPrefix + "{dispatch}:processing",
	}, nil
}

// Dispatch implements paysync.Dispatcher
func (q *Queue) Dispatch(ctx context.Context, key paysync.EventKey) error {
	depth, err := q.client.LPush(ctx, q.queueKey, encodeKey(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", key, err)
	}
	q.config.Metrics.RecordQueueDepth(int(depth))
	return nil
}

// Depth returns the number of queued keys
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

// Recover moves keys left in the processing list back to the queue.
// Call it on startup before consumers run.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processingKey, q.queueKey, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover queue: %w", err)
		}
		moved++
	}
}

// Consume hands queued keys to handler until ctx is done. Handler errors
// leave the ledger row pending for the sweeper; the key is removed either way.
func (q *Queue) Consume(ctx context.Context, handler paysync.KeyHandler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		member, err := q.client.BLMove(ctx, q.queueKey, q.processingKey, "RIGHT", "LEFT", q.config.PollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.config.Logger.Error("redis queue poll failed", paysync.Field{Key: "error", Value: err.Error()})
			if !sleepCtx(ctx, time.Second) {
				return nil
			}
			continue
		}

		q.handle(ctx, handler, member)
	}
}

func (q *Queue) handle(ctx context.Context, handler paysync.KeyHandler, member string) {
	defer func() {
		// the processing list must be cleaned up even when ctx is cancelled
		if err := q.client.LRem(context.WithoutCancel(ctx), q.processingKey, 1, member).Err(); err != nil {
			q.config.Logger.Warn("failed to ack queue member",
				paysync.Field{Key: "member", Value: member},
				paysync.Field{Key: "error", Value: err.Error()})
		}
	}()

	key, err := decodeKey(member)
	if err != nil {
		q.config.Logger.Error("dropping malformed queue member",
			paysync.Field{Key: "member", Value: member},
			paysync.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := handler.HandleKey(ctx, key); err != nil {
		q.config.Logger.Warn("queued event left pending",
			paysync.Field{Key: "source", Value: string(key.Source)},
			paysync.Field{Key: "event_id", Value: key.ExternalID},
			paysync.Field{Key: "error", Value: err.Error()})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
