package cache

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

// MemoryChallengeStore keeps OTP challenges in memory. Expired challenges
// stay readable for the retention window so verification can report them as
// expired rather than missing; SweepExpired drops them early.
type MemoryChallengeStore struct {
	cache     *ttlcache.Cache[string, domain.OTPChallenge]
	retention time.Duration
	now       func() time.Time
}

var _ domain.ChallengeStore = (*MemoryChallengeStore)(nil)

// NewMemoryChallengeStore creates the store. Challenges are evicted
// retention after they expire.
func NewMemoryChallengeStore(retention time.Duration) *MemoryChallengeStore {
	return &MemoryChallengeStore{
		cache: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, domain.OTPChallenge](),
		),
		retention: retention,
		now:       time.Now,
	}
}

func challengeKey(email string, purpose domain.OTPPurpose) string {
	return email + "\x00" + string(purpose)
}

// Put stores the challenge, replacing any active one for the same key.
func (s *MemoryChallengeStore) Put(_ context.Context, c *domain.OTPChallenge) error {
	s.set(c)
	return nil
}

// Update overwrites an existing challenge.
func (s *MemoryChallengeStore) Update(_ context.Context, c *domain.OTPChallenge) error {
	if !s.cache.Has(challengeKey(c.Email, c.Purpose)) {
		return &serrors.NotFoundError{Kind: "otp challenge", Key: c.Email}
	}
	s.set(c)
	return nil
}

func (s *MemoryChallengeStore) set(c *domain.OTPChallenge) {
	ttl := c.ExpiresAt.Add(s.retention).Sub(s.now())
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	s.cache.Set(challengeKey(c.Email, c.Purpose), *c, ttl)
}

// Get returns the challenge, expired or not.
func (s *MemoryChallengeStore) Get(_ context.Context, email string, purpose domain.OTPPurpose) (*domain.OTPChallenge, error) {
	item := s.cache.Get(challengeKey(email, purpose))
	if item == nil {
		return nil, &serrors.NotFoundError{Kind: "otp challenge", Key: email}
	}
	c := item.Value()
	return &c, nil
}

// Delete removes the challenge and reports whether it was present.
func (s *MemoryChallengeStore) Delete(_ context.Context, email string, purpose domain.OTPPurpose) (bool, error) {
	_, removed := s.cache.GetAndDelete(challengeKey(email, purpose))
	return removed, nil
}

// SweepExpired drops every challenge expired at now and returns how many.
func (s *MemoryChallengeStore) SweepExpired(_ context.Context, now time.Time) int {
	n := 0
	for key, item := range s.cache.Items() {
		c := item.Value()
		if c.Expired(now) {
			s.cache.Delete(key)
			n++
		}
	}
	return n
}
