package domain

import "time"

// UsersCollection is where user documents live.
const UsersCollection = "users"

// UserStatus defines the possible statuses of a user account.
type UserStatus string

const (
	UserStatusActive  UserStatus = "active"
	UserStatusLocked  UserStatus = "locked"
	UserStatusPending UserStatus = "pending" // awaiting email verification
)

// User is the typed record of a document in the users collection.
type User struct {
	ID                  string         `json:"id"`
	LegacyID            string         `json:"_id,omitempty"`
	Email               string         `json:"email"`
	PasswordHash        string         `json:"passwordHash"`
	Status              UserStatus     `json:"status"`
	Name                string         `json:"name,omitempty"`
	RestaurantID        string         `json:"restaurantId,omitempty"`
	Roles               []string       `json:"roles"`
	Permissions         []string       `json:"permissions,omitempty"`
	Profile             map[string]any `json:"profile,omitempty"`
	EmailVerified       bool           `json:"emailVerified"`
	FailedLoginAttempts int            `json:"failedLoginAttempts,omitempty"`
	LastLoginAt         *time.Time     `json:"lastLoginAt,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// CanonicalID resolves the primary id, falling back to the legacy alias.
func (u *User) CanonicalID() string {
	if u.ID != "" {
		return u.ID
	}
	return u.LegacyID
}
