package domain

import (
	"context"
	"time"
)

// Blob is the raw content of one remote file plus its revision marker.
type Blob struct {
	Path     string
	Content  []byte
	Revision string
}

// BlobStore is the remote, version-controlled file repository.
//
// Write with an empty expectedRevision creates the file and fails with a
// ConflictError when it already exists; otherwise the write succeeds only
// if the stored revision still equals expectedRevision.
type BlobStore interface {
	Read(ctx context.Context, path string) (*Blob, error)
	Write(ctx context.Context, path string, content []byte, expectedRevision string, message string) (string, error)
	Delete(ctx context.Context, path string, expectedRevision string, message string) error
	List(ctx context.Context, prefix string) ([]string, error)
	// Ping checks reachability and the access credential.
	Ping(ctx context.Context) error
}

// SessionStore is the token → session table. Tokens are never stored in the clear.
type SessionStore interface {
	Store(ctx context.Context, token string, session *Session) error
	Get(ctx context.Context, token string) (*Session, error)
	Delete(ctx context.Context, token string) error
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	DeleteByUser(ctx context.Context, userID string) (int, error)
	Count(ctx context.Context) int
}

// ChallengeStore holds at most one active OTP challenge per (email, purpose).
type ChallengeStore interface {
	Put(ctx context.Context, challenge *OTPChallenge) error
	Get(ctx context.Context, email string, purpose OTPPurpose) (*OTPChallenge, error)
	Update(ctx context.Context, challenge *OTPChallenge) error
	// Delete reports whether this call removed the challenge. Concurrent
	// callers racing on one key see true at most once.
	Delete(ctx context.Context, email string, purpose OTPPurpose) (bool, error)
	SweepExpired(ctx context.Context, now time.Time) int
}
