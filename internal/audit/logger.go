// Package audit writes auth events as JSON audit records.
package audit

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event represents an audit log event.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Action    string    `json:"action"`
	User      string    `json:"user,omitempty"`   // user id or email
	Target    string    `json:"target,omitempty"` // collection, session or challenge key
	Details   string    `json:"details,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

var (
	mu          sync.RWMutex
	auditLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// SetOutput redirects audit records, e.g. to the rotating log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	auditLogger = zerolog.New(w).With().Timestamp().Logger()
	mu.Unlock()
}

// Log records an audit event.
func Log(service, action, user, target, details string, success bool, err error) {
	event := Event{
		Timestamp: time.Now().UTC(),
		Service:   service,
		Action:    action,
		User:      user,
		Target:    target,
		Details:   details,
		Success:   success,
	}
	if err != nil {
		event.Error = err.Error()
	}

	mu.RLock()
	l := auditLogger
	mu.RUnlock()

	entry, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		log.Error().Err(marshalErr).Msg("Failed to marshal audit event to JSON")
		l.Error().
			Str("service", service).
			Str("action", action).
			Str("user", user).
			Bool("success", success).
			Err(err).
			Msg("audit (fallback)")
		return
	}
	l.Log().RawJSON("audit_event", entry).Msg("")
}
