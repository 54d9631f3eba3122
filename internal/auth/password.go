// Package auth holds the credential primitives used by the auth services.
package auth

import (
	stderrors "errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/services"
)

// MinPasswordLength is the shortest password accepted at registration.
const MinPasswordLength = 8

// bcrypt ignores everything past 72 bytes, so longer input is refused outright.
const maxPasswordBytes = 72

// ErrWeakPassword is returned by CheckPolicy.
var ErrWeakPassword = stderrors.New("password does not meet policy")

// BcryptPasswordHasher stores passwords as bcrypt hashes.
type BcryptPasswordHasher struct {
	Cost int
}

// NewBcryptPasswordHasher falls back to bcrypt.DefaultCost when cost is out of range.
func NewBcryptPasswordHasher(cost int) *BcryptPasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptPasswordHasher{Cost: cost}
}

func (h *BcryptPasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt hash generation failed: %w", err)
	}
	return string(hashed), nil
}

// Verify maps every mismatch, including a malformed stored hash, to
// ErrInvalidCredentials so callers cannot tell which half was wrong.
func (h *BcryptPasswordHasher) Verify(hashedPassword, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)); err != nil {
		return serrors.NewAuthError(serrors.ErrInvalidCredentials, "password")
	}
	return nil
}

func (h *BcryptPasswordHasher) CheckPolicy(password string) error {
	switch {
	case len(password) < MinPasswordLength:
		return fmt.Errorf("%w: at least %d characters required", ErrWeakPassword, MinPasswordLength)
	case len(password) > maxPasswordBytes:
		return fmt.Errorf("%w: longer than %d bytes", ErrWeakPassword, maxPasswordBytes)
	}
	return nil
}

var _ services.PasswordHasher = (*BcryptPasswordHasher)(nil)
