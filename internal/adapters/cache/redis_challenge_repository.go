package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/viralforge/cuepassport/internal/domain"
	"github.com/viralforge/cuepassport/internal/ports"
)

// RedisChallengeRepository keeps challenges in Redis with the challenge TTL as key expiry.
// Consume is a single GETDEL, so of any number of concurrent callers one gets the value.
type RedisChallengeRepository struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisChallengeRepository(client *redis.Client) *RedisChallengeRepository {
	return &RedisChallengeRepository{client: client, now: time.Now}
}

func (r *RedisChallengeRepository) Create(ctx context.Context, challenge domain.Challenge) error {
	ttl := challenge.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		ttl = time.Second
	}
	raw, err := json.Marshal(challenge)
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	ok, err := r.client.SetNX(ctx, challengeKey(challenge.ChallengeID), raw, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConflict
	}
	return nil
}

func (r *RedisChallengeRepository) Get(ctx context.Context, challengeID uuid.UUID) (domain.Challenge, error) {
	raw, err := r.client.Get(ctx, challengeKey(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Challenge{}, domain.ErrNotFound
		}
		return domain.Challenge{}, err
	}
	return decodeChallenge(raw)
}

func (r *RedisChallengeRepository) Consume(ctx context.Context, challengeID uuid.UUID, now time.Time) (domain.Challenge, error) {
	raw, err := r.client.GetDel(ctx, challengeKey(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Challenge{}, domain.ErrChallengeInvalid
		}
		return domain.Challenge{}, err
	}
	challenge, err := decodeChallenge(raw)
	if err != nil {
		return domain.Challenge{}, err
	}
	if !challenge.Usable(now) {
		return domain.Challenge{}, domain.ErrChallengeInvalid
	}
	consumedAt := now
	challenge.ConsumedAt = &consumedAt
	return challenge, nil
}

// DeleteStale is a no-op; key expiry removes challenges.
func (r *RedisChallengeRepository) DeleteStale(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func challengeKey(challengeID uuid.UUID) string {
	return keyPrefix + "challenge:" + challengeID.String()
}

func decodeChallenge(raw []byte) (domain.Challenge, error) {
	var challenge domain.Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return domain.Challenge{}, fmt.Errorf("decode challenge: %w", err)
	}
	return challenge, nil
}

// WithChallenges returns store with its challenge repository replaced by challenges.
func WithChallenges(store ports.Store, challenges ports.ChallengeRepository) ports.Store {
	return challengeStore{Store: store, challenges: challenges}
}

type challengeStore struct {
	ports.Store
	challenges ports.ChallengeRepository
}

func (s challengeStore) Challenges() ports.ChallengeRepository { return s.challenges }
