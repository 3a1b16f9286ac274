package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries the holder's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisUserLocker serializes ledger writes per user across service instances.
// The lease bounds how long a crashed holder can block the user.
type RedisUserLocker struct {
	client *redis.Client
	lease  time.Duration
	poll   time.Duration
}

func NewRedisUserLocker(client *redis.Client, lease time.Duration) *RedisUserLocker {
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &RedisUserLocker{client: client, lease: lease, poll: 10 * time.Millisecond}
}

func (l *RedisUserLocker) Lock(ctx context.Context, userID uuid.UUID) (func(), error) {
	key := keyPrefix + "ledger-lock:" + userID.String()
	token, err := lockToken()
	if err != nil {
		return nil, err
	}

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire ledger lock: %w", err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, token, userID) })
	}, nil
}

// release runs on a fresh context; the caller's may already be cancelled.
func (l *RedisUserLocker) release(key, token string, userID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		slog.Default().WarnContext(ctx, "ledger lock release failed",
			"module", "cache",
			"layer", "adapter",
			"operation", "ledger_unlock",
			"outcome", "failure",
			"user_id", userID.String(),
			"error", err,
		)
	}
}

func lockToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate lock token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
