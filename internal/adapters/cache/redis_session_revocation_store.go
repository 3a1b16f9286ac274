package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisSessionRevocationStore stores revoked-session flags until the session would have
// expired anyway.
type RedisSessionRevocationStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisSessionRevocationStore(client *redis.Client) *RedisSessionRevocationStore {
	return &RedisSessionRevocationStore{client: client, now: time.Now}
}

func (s *RedisSessionRevocationStore) MarkRevoked(ctx context.Context, sessionID uuid.UUID, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Hour
	}
	return s.client.Set(ctx, revokedKey(sessionID), "1", ttl).Err()
}

func (s *RedisSessionRevocationStore) IsRevoked(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func revokedKey(sessionID uuid.UUID) string {
	return keyPrefix + "revoked:" + sessionID.String()
}
