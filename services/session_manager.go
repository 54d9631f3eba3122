package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/metrics"
)

const tokenBytes = 32

// ClientInfo describes the caller a session is issued to.
type ClientInfo struct {
	UserAgent string
	IPAddress string
}

type clientInfoKey struct{}

// WithClientInfo attaches caller details that Login and VerifyOTP record on
// the issued session.
func WithClientInfo(ctx context.Context, info ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientInfoFromContext returns the caller details set by WithClientInfo.
func ClientInfoFromContext(ctx context.Context) ClientInfo {
	info, _ := ctx.Value(clientInfoKey{}).(ClientInfo)
	return info
}

// SessionManager issues and resolves opaque session tokens.
type SessionManager struct {
	store domain.SessionStore
	ttl   time.Duration
	now   func() time.Time
}

// NewSessionManager creates a manager. A ttl of zero issues sessions that
// only end on logout.
func NewSessionManager(store domain.SessionStore, ttl time.Duration) *SessionManager {
	return &SessionManager{store: store, ttl: ttl, now: time.Now}
}

// Issue creates a session for the user and returns its token. The token is
// returned once and never stored in the clear.
func (m *SessionManager) Issue(ctx context.Context, user *domain.User) (string, *domain.Session, error) {
	token, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := m.now().UTC()
	client := ClientInfoFromContext(ctx)
	session := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    user.CanonicalID(),
		Email:     user.Email,
		Roles:     append([]string(nil), user.Roles...),
		IssuedAt:  now,
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
	}
	if m.ttl > 0 {
		session.ExpiresAt = now.Add(m.ttl)
	}

	if err := m.store.Store(ctx, token, session); err != nil {
		return "", nil, fmt.Errorf("store session: %w", err)
	}

	log.Debug().Str("user_id", session.UserID).Str("session_id", session.ID).Msg("Session issued")
	return token, session, nil
}

// Get resolves a token. Expired and unknown tokens are both a NotFoundError.
func (m *SessionManager) Get(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	session, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Expired(m.now()) {
		return nil, &serrors.NotFoundError{Kind: "session", Key: "token"}
	}
	return session, nil
}

// Destroy removes the session. Destroying an unknown token is not an error.
func (m *SessionManager) Destroy(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List returns the live sessions of a user.
func (m *SessionManager) List(ctx context.Context, userID string) ([]*domain.Session, error) {
	sessions, err := m.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := sessions[:0]
	for _, s := range sessions {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	return live, nil
}

// DestroyUser removes every session of a user and returns how many were removed.
func (m *SessionManager) DestroyUser(ctx context.Context, userID string) (int, error) {
	n, err := m.store.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("delete sessions of %s: %w", userID, err)
	}
	return n, nil
}

// RefreshGauge counts the stored sessions and publishes the result. It walks
// the whole store; serve calls it on the housekeeping tick.
func (m *SessionManager) RefreshGauge(ctx context.Context) int {
	n := m.store.Count(ctx)
	metrics.ActiveSessionsGauge.Set(float64(n))
	return n
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes for session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
