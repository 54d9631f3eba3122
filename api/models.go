// Package api holds the request and response bodies of the HTTP surface.
package api

import (
	"time"

	"go.pilab.hu/restodb/domain"
)

type RegisterRequest struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	Name         string         `json:"name,omitempty"`
	RestaurantID string         `json:"restaurantId,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Profile      map[string]any `json:"profile,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type VerifyOTPRequest struct {
	Email   string            `json:"email"`
	Code    string            `json:"code"`
	Purpose domain.OTPPurpose `json:"purpose"`
}

type ResendOTPRequest struct {
	Email   string            `json:"email"`
	Purpose domain.OTPPurpose `json:"purpose"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

// Challenge describes a pending one-time code without the code itself.
type Challenge struct {
	Email     string            `json:"email"`
	Purpose   domain.OTPPurpose `json:"purpose"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// AuthResponse is returned by login, registration and code verification.
// Exactly one of Token or Challenge is set once the call succeeds.
type AuthResponse struct {
	State     string     `json:"state"`
	Token     string     `json:"token,omitempty"`
	TokenType string     `json:"tokenType,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	User      *User      `json:"user,omitempty"`
	Challenge *Challenge `json:"challenge,omitempty"`
}

// User is the public view of a user record. The password hash never leaves
// the server.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	Status        string         `json:"status"`
	RestaurantID  string         `json:"restaurantId,omitempty"`
	Roles         []string       `json:"roles"`
	Permissions   []string       `json:"permissions,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	LastLoginAt   *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// NewUser builds the public view of u.
func NewUser(u *domain.User) *User {
	if u == nil {
		return nil
	}
	return &User{
		ID:            u.CanonicalID(),
		Email:         u.Email,
		Name:          u.Name,
		Status:        string(u.Status),
		RestaurantID:  u.RestaurantID,
		Roles:         u.Roles,
		Permissions:   u.Permissions,
		Profile:       u.Profile,
		EmailVerified: u.EmailVerified,
		LastLoginAt:   u.LastLoginAt,
		CreatedAt:     u.CreatedAt,
	}
}

type Session struct {
	ID        string     `json:"id"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
	IPAddress string     `json:"ipAddress,omitempty"`
}

func NewSession(s *domain.Session) Session {
	out := Session{ID: s.ID, IssuedAt: s.IssuedAt, UserAgent: s.UserAgent, IPAddress: s.IPAddress}
	if !s.ExpiresAt.IsZero() {
		exp := s.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Error       string   `json:"error"`
	Description string   `json:"error_description,omitempty"`
	Fields      []string `json:"fields,omitempty"`
}

// ListResponse wraps query results.
type ListResponse struct {
	Count int               `json:"count"`
	Items []domain.Document `json:"items"`
}
