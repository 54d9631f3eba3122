// Package redis stores sessions and one-time code challenges in Redis so
// several processes share them.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/cache"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// SessionStore implements domain.SessionStore on Redis. Each session lives
// under its token hash with a key expiry; a per-user set indexes them.
type SessionStore struct {
	client *redis.Client
	prefix string
}

var _ domain.SessionStore = (*SessionStore)(nil)

// NewSessionStore creates a new [SessionStore].
func NewSessionStore(client *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "restodb"
	}
	return &SessionStore{client: client, prefix: prefix}
}

func (r *SessionStore) sessionKey(hash string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, hash)
}

func (r *SessionStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user_sessions:%s", r.prefix, userID)
}

// Store implements domain.SessionStore.
func (r *SessionStore) Store(ctx context.Context, token string, session *domain.Session) error {
	var ttl time.Duration
	if !session.ExpiresAt.IsZero() {
		ttl = time.Until(session.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	hash := cache.HashToken(token)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.sessionKey(hash), data, ttl)
		pipe.SAdd(ctx, r.userKey(session.UserID), hash)
		return nil
	})
	if err != nil {
		return &serrors.TransportError{Op: "redis.store", Path: "session", Retryable: true, Err: err}
	}
	return nil
}

// Get implements domain.SessionStore.
func (r *SessionStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, r.sessionKey(cache.HashToken(token))).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	if err != nil {
		return nil, &serrors.TransportError{Op: "redis.get", Path: "session", Retryable: true, Err: err}
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, &serrors.CorruptDataError{Path: "session", Err: err}
	}
	if session.Expired(time.Now()) {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	return &session, nil
}

// Delete implements domain.SessionStore. Unknown tokens are ignored.
func (r *SessionStore) Delete(ctx context.Context, token string) error {
	hash := cache.HashToken(token)
	key := r.sessionKey(hash)

	data, err := r.client.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return &serrors.TransportError{Op: "redis.delete", Path: "session", Retryable: true, Err: err}
	}

	var session domain.Session
	_ = json.Unmarshal(data, &session)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if session.UserID != "" {
			pipe.SRem(ctx, r.userKey(session.UserID), hash)
		}
		return nil
	})
	if err != nil {
		return &serrors.TransportError{Op: "redis.delete", Path: "session", Retryable: true, Err: err}
	}
	return nil
}

// ListByUser implements domain.SessionStore. Index entries whose session
// already expired are pruned.
func (r *SessionStore) ListByUser(ctx context.Context, userID string) ([]*domain.Session, error) {
	hashes, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return nil, &serrors.TransportError{Op: "redis.list", Path: "session", Retryable: true, Err: err}
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = r.sessionKey(h)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &serrors.TransportError{Op: "redis.list", Path: "session", Retryable: true, Err: err}
	}

	now := time.Now()
	var (
		out   []*domain.Session
		stale []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, hashes[i])
			continue
		}
		var session domain.Session
		if err := json.Unmarshal([]byte(raw), &session); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("skipping unreadable session entry")
			continue
		}
		if !session.Expired(now) {
			out = append(out, &session)
		}
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.userKey(userID), stale...).Err(); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("failed to prune session index")
		}
	}
	return out, nil
}

// DeleteByUser implements domain.SessionStore.
func (r *SessionStore) DeleteByUser(ctx context.Context, userID string) (int, error) {
	hashes, err := r.client.SMembers(ctx, r.userKey(userID)).Result()
	if err != nil {
		return 0, &serrors.TransportError{Op: "redis.delete", Path: "session", Retryable: true, Err: err}
	}

	keys := make([]string, 0, len(hashes))
	for _, h := range hashes {
		keys = append(keys, r.sessionKey(h))
	}

	var deleted *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			deleted = pipe.Del(ctx, keys...)
		}
		pipe.Del(ctx, r.userKey(userID))
		return nil
	})
	if err != nil {
		return 0, &serrors.TransportError{Op: "redis.delete", Path: "session", Retryable: true, Err: err}
	}
	if deleted == nil {
		return 0, nil
	}
	return int(deleted.Val()), nil
}

// Count implements domain.SessionStore by scanning session keys.
func (r *SessionStore) Count(ctx context.Context) int {
	var (
		cursor uint64
		total  int
	)
	pattern := r.sessionKey("*")
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			log.Error().Err(err).Msg("failed to scan session keys")
			return total
		}
		total += len(keys)
		cursor = next
		if cursor == 0 {
			return total
		}
	}
}
