package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// MemorySessionStore implements domain.SessionStore using ttlcache. Entries
// are keyed by token hash and evicted at their expiry.
type MemorySessionStore struct {
	cache *ttlcache.Cache[string, domain.Session]
	now   func() time.Time
}

var _ domain.SessionStore = (*MemorySessionStore)(nil)

// NewMemorySessionStore creates the store and starts its cleanup loop.
// Call Close to stop it.
func NewMemorySessionStore() *MemorySessionStore {
	c := ttlcache.New(
		ttlcache.WithTTL[string, domain.Session](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[string, domain.Session](),
	)
	go c.Start()

	return &MemorySessionStore{cache: c, now: time.Now}
}

// Store implements domain.SessionStore.
func (s *MemorySessionStore) Store(_ context.Context, token string, session *domain.Session) error {
	ttl := ttlcache.NoTTL
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	s.cache.Set(HashToken(token), *session, ttl)
	return nil
}

// Get implements domain.SessionStore.
func (s *MemorySessionStore) Get(_ context.Context, token string) (*domain.Session, error) {
	item := s.cache.Get(HashToken(token))
	if item == nil {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	session := item.Value()
	if session.Expired(s.now()) {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	return &session, nil
}

// Delete implements domain.SessionStore. Unknown tokens are ignored.
func (s *MemorySessionStore) Delete(_ context.Context, token string) error {
	s.cache.Delete(HashToken(token))
	return nil
}

// ListByUser implements domain.SessionStore.
func (s *MemorySessionStore) ListByUser(_ context.Context, userID string) ([]*domain.Session, error) {
	now := s.now()
	var out []*domain.Session
	for _, item := range s.cache.Items() {
		session := item.Value()
		if session.UserID == userID && !session.Expired(now) {
			out = append(out, &session)
		}
	}
	return out, nil
}

// DeleteByUser implements domain.SessionStore.
func (s *MemorySessionStore) DeleteByUser(_ context.Context, userID string) (int, error) {
	n := 0
	for key, item := range s.cache.Items() {
		if item.Value().UserID == userID {
			s.cache.Delete(key)
			n++
		}
	}
	return n, nil
}

// Count implements domain.SessionStore.
func (s *MemorySessionStore) Count(_ context.Context) int {
	s.cache.DeleteExpired()
	return s.cache.Len()
}

// Close stops the cleanup goroutine.
func (s *MemorySessionStore) Close() error {
	s.cache.Stop()
	return nil
}
