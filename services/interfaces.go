package services

import (
	"context"
	"time"

	"go.pilab.hu/restodb/domain"
)

// PasswordHasher defines an interface for hashing and verifying passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hashedPassword, password string) error
}

// PasswordPolicy is implemented by hashers that reject weak passwords.
type PasswordPolicy interface {
	CheckPolicy(password string) error
}

// OTPMessage is what a Notifier delivers. Code is the only place the
// plaintext code exists after issuing.
type OTPMessage struct {
	Email     string
	Purpose   domain.OTPPurpose
	Code      string
	ExpiresAt time.Time
}

// Notifier delivers one-time codes, typically by email.
type Notifier interface {
	SendOTP(ctx context.Context, msg OTPMessage) error
}
