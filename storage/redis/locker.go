package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/paysync/pkg/paysync"
)

// ErrLockLost is logged when a lock expired before it was released
var ErrLockLost = errors.New("lock expired before release")

// releaseScript deletes the lock only if it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker is a paysync.KeyLocker shared by all processes using the same Redis.
// Locks expire after LockTTL so a crashed holder cannot block a user forever.
type Locker struct {
	client redis.UniversalClient
	config Config
}

var _ paysync.KeyLocker = (*Locker)(nil)

// NewLocker creates a distributed locker
func NewLocker(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Locker{client: client, config: config.withDefaults()}, nil
}

// Lock implements paysync.KeyLocker
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.KeyPrefix + "lock:" + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.LockRetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.LockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlockFunc(ctx, redisKey, token), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlockFunc(ctx context.Context, redisKey, token string) func() {
	releaseCtx := context.WithoutCancel(ctx)
	return func() {
		n, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int()
		if err != nil {
			l.config.Logger.Error("failed to release lock",
				paysync.Field{Key: "lock", Value: redisKey},
				paysync.Field{Key: "error", Value: err.Error()})
			return
		}
		if n == 0 {
			l.config.Logger.Warn("lock released after expiry",
				paysync.Field{Key: "lock", Value: redisKey},
				paysync.Field{Key: "error", Value: ErrLockLost.Error()})
		}
	}
}
