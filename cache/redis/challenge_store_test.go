package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.pilab.hu/restodb/cache/redis"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
)

func newChallengeStore(t *testing.T) (*redis.ChallengeStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewChallengeStore(client, "test", time.Hour), mr
}

func TestChallengeStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, mr := newChallengeStore(t)
	now := time.Now()
	c := &domain.OTPChallenge{
		Email:     "ana@example.com",
		Purpose:   domain.OTPPurposeLogin,
		CodeHash:  "abc",
		UserID:    "u1",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}

	err := s.Update(ctx, c)
	assert.True(t, serrors.IsNotFound(err), "update needs an existing challenge")

	require.NoError(t, s.Put(ctx, c))
	assert.True(t, mr.Exists("test:otp:login:ana@example.com"))

	c.Attempts = 2
	require.NoError(t, s.Update(ctx, c))
	got, err := s.Get(ctx, c.Email, domain.OTPPurposeLogin)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "u1", got.UserID)

	_, err = s.Get(ctx, c.Email, domain.OTPPurposeRegister)
	assert.True(t, serrors.IsNotFound(err))

	removed, err := s.Delete(ctx, c.Email, domain.OTPPurposeLogin)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.Delete(ctx, c.Email, domain.OTPPurposeLogin)
	require.NoError(t, err)
	assert.False(t, removed, "a second delete removes nothing")
	_, err = s.Get(ctx, c.Email, domain.OTPPurposeLogin)
	assert.True(t, serrors.IsNotFound(err))
}

func TestChallengeStore_SweepExpired(t *testing.T) {
	ctx := context.Background()
	s, _ := newChallengeStore(t)
	now := time.Now()

	require.NoError(t, s.Put(ctx, &domain.OTPChallenge{Email: "old@example.com", Purpose: domain.OTPPurposeLogin, ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, s.Put(ctx, &domain.OTPChallenge{Email: "new@example.com", Purpose: domain.OTPPurposeLogin, ExpiresAt: now.Add(time.Minute)}))

	got, err := s.Get(ctx, "old@example.com", domain.OTPPurposeLogin)
	require.NoError(t, err, "expired challenges stay readable until swept")
	assert.True(t, got.Expired(now))

	assert.Equal(t, 1, s.SweepExpired(ctx, now))
	_, err = s.Get(ctx, "old@example.com", domain.OTPPurposeLogin)
	assert.True(t, serrors.IsNotFound(err))
	_, err = s.Get(ctx, "new@example.com", domain.OTPPurposeLogin)
	assert.NoError(t, err)
}
