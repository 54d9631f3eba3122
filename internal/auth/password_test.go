package auth_test

import (
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/auth"
)

func TestPasswordHasher(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(bcrypt.MinCost)

	hash, err := hasher.Hash("correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, "correct horse", hash)
	assert.NoError(t, hasher.Verify(hash, "correct horse"))

	err = hasher.Verify(hash, "wrong horse")
	assert.True(t, errors.Is(err, serrors.ErrInvalidCredentials))

	t.Run("malformed stored hash", func(t *testing.T) {
		err := hasher.Verify("not-a-hash", "correct horse")
		assert.True(t, errors.Is(err, serrors.ErrInvalidCredentials))
	})

	t.Run("too long password", func(t *testing.T) {
		tooLong := make([]byte, 73)
		_, _ = rand.Read(tooLong)

		_, err := hasher.Hash(string(tooLong))
		assert.Error(t, err)
	})
}

func TestNewBcryptPasswordHasher_Cost(t *testing.T) {
	assert.Equal(t, bcrypt.DefaultCost, auth.NewBcryptPasswordHasher(0).Cost)
	assert.Equal(t, bcrypt.DefaultCost, auth.NewBcryptPasswordHasher(99).Cost)
	assert.Equal(t, 12, auth.NewBcryptPasswordHasher(12).Cost)
}

func TestCheckPolicy(t *testing.T) {
	hasher := auth.NewBcryptPasswordHasher(bcrypt.MinCost)

	assert.ErrorIs(t, hasher.CheckPolicy("short"), auth.ErrWeakPassword)
	assert.ErrorIs(t, hasher.CheckPolicy(strings.Repeat("x", 73)), auth.ErrWeakPassword)
	assert.NoError(t, hasher.CheckPolicy("long enough"))
}
