package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// ChallengeStore implements domain.ChallengeStore on Redis, so a code issued
// by one process can be verified by another. Keys outlive the challenge by
// the retention window; expired challenges are still returned until then.
type ChallengeStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ domain.ChallengeStore = (*ChallengeStore)(nil)

func NewChallengeStore(client *redis.Client, prefix string, retention time.Duration) *ChallengeStore {
	if prefix == "" {
		prefix = "restodb"
	}
	return &ChallengeStore{client: client, prefix: prefix, retention: retention}
}

func (r *ChallengeStore) key(email string, purpose domain.OTPPurpose) string {
	return fmt.Sprintf("%s:otp:%s:%s", r.prefix, purpose, email)
}

func (r *ChallengeStore) ttl(c *domain.OTPChallenge) time.Duration {
	ttl := time.Until(c.ExpiresAt.Add(r.retention))
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (r *ChallengeStore) Put(ctx context.Context, c *domain.OTPChallenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	if err := r.client.Set(ctx, r.key(c.Email, c.Purpose), data, r.ttl(c)).Err(); err != nil {
		return &serrors.TransportError{Op: "redis.store", Path: "otp", Retryable: true, Err: err}
	}
	return nil
}

// Update overwrites an existing challenge and keeps its expiry.
func (r *ChallengeStore) Update(ctx context.Context, c *domain.OTPChallenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}
	err = r.client.SetArgs(ctx, r.key(c.Email, c.Purpose), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if stderrors.Is(err, redis.Nil) {
		return &serrors.NotFoundError{Kind: "otp challenge", Key: c.Email}
	}
	if err != nil {
		return &serrors.TransportError{Op: "redis.update", Path: "otp", Retryable: true, Err: err}
	}
	return nil
}

func (r *ChallengeStore) Get(ctx context.Context, email string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error) {
	data, err := r.client.Get(ctx, r.key(email, purpose)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, &serrors.NotFoundError{Kind: "otp challenge", Key: email}
	}
	if err != nil {
		return nil, &serrors.TransportError{Op: "redis.get", Path: "otp", Retryable: true, Err: err}
	}
	var c domain.OTPChallenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, &serrors.CorruptDataError{Path: "otp", Err: err}
	}
	return &c, nil
}

// Delete relies on the DEL count, so only one of several processes racing
// on the same key is told it removed the challenge.
func (r *ChallengeStore) Delete(ctx context.Context, email string, purpose domain.OTPPurpose) (bool, error) {
	n, err := r.client.Del(ctx, r.key(email, purpose)).Result()
	if err != nil {
		return false, &serrors.TransportError{Op: "redis.delete", Path: "otp", Retryable: true, Err: err}
	}
	return n > 0, nil
}

// SweepExpired scans the challenge keys and drops the ones expired at now.
func (r *ChallengeStore) SweepExpired(ctx context.Context, now time.Time) int {
	var (
		cursor uint64
		swept  int
	)
	pattern := r.prefix + ":otp:*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Error().Err(err).Msg("failed to scan challenge keys")
			return swept
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var c domain.OTPChallenge
			if err := json.Unmarshal(data, &c); err != nil || c.Expired(now) {
				if r.client.Del(ctx, key).Val() > 0 {
					swept++
				}
			}
		}
		cursor = next
		if cursor == 0 {
			return swept
		}
	}
}
