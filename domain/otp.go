package domain

import "time"

// OTPPurpose names the action a one-time code authorizes.
type OTPPurpose string

const (
	OTPPurposeLogin    OTPPurpose = "login"
	OTPPurposeRegister OTPPurpose = "register"
)

// OTPChallenge is a pending one-time code. Only the code hash is kept.
type OTPChallenge struct {
	Email     string     `json:"email"`
	Purpose   OTPPurpose `json:"purpose"`
	CodeHash  string     `json:"codeHash"`
	UserID    string     `json:"userId"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

// Expired reports whether the challenge TTL has elapsed at now.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
