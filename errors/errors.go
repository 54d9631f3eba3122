// Package errors defines the failure taxonomy shared by the store, the cache,
// and the auth services.
//
// Every error here works with the standard errors.Is / errors.As helpers:
//
//	var verr *serrors.ValidationError
//	if errors.As(err, &verr) {
//	    // render verr.MissingFields
//	}
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// Boot failures. Wrapped by ConfigurationError so callers can tell them apart.
var (
	ErrMissingConfig      = stderrors.New("missing configuration")
	ErrBackendUnreachable = stderrors.New("backend unreachable")
	ErrInvalidCredential  = stderrors.New("invalid backend credential")
	ErrNotInitialized     = stderrors.New("store not initialized")
)

// Transport failures.
var (
	ErrTimeout     = stderrors.New("remote call timed out")
	ErrRateLimited = stderrors.New("rate limited by remote")
	ErrNetwork     = stderrors.New("network failure")
)

// Auth failures.
var (
	ErrInvalidCredentials = stderrors.New("invalid email or password")
	ErrSessionNotFound    = stderrors.New("session not found")
	ErrOTPExpired         = stderrors.New("one-time code expired")
	ErrOTPMismatch        = stderrors.New("one-time code mismatch")
	ErrOTPNotFound        = stderrors.New("one-time code challenge not found")
	ErrEmailTaken         = stderrors.New("email already registered")
	ErrPermissionDenied   = stderrors.New("permission denied")
	ErrAccountPending     = stderrors.New("account pending verification")
	ErrAccountLocked      = stderrors.New("account is locked")
)

// ErrDuplicateID is returned when an inserted document reuses an existing id.
var ErrDuplicateID = stderrors.New("document id already exists")

// ConfigurationError is fatal at boot.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewMissingConfig reports a required configuration field that is empty.
func NewMissingConfig(field string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: "required", Err: ErrMissingConfig}
}

// TransportError is a failed call to the remote store.
type TransportError struct {
	Op         string
	Path       string
	Status     int
	Retryable  bool
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Path)
	if e.Status != 0 {
		fmt.Fprintf(&b, ": status %d", e.Status)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConflictError means the write carried a stale revision.
type ConflictError struct {
	Path     string
	Expected string
	Attempts int
}

func (e *ConflictError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("conflict writing %s: revision %q is stale after %d attempts", e.Path, e.Expected, e.Attempts)
	}
	return fmt.Sprintf("conflict writing %s: revision %q is stale", e.Path, e.Expected)
}

// ValidationError names required fields that remain absent after defaults.
type ValidationError struct {
	Collection    string
	MissingFields []string
	// Index is the position of the offending document inside a batch, or -1.
	Index int
}

func (e *ValidationError) Error() string {
	prefix := "validation failed"
	if e.Collection != "" {
		prefix += " for " + e.Collection
	}
	if e.Index >= 0 {
		prefix += fmt.Sprintf(" (document %d)", e.Index)
	}
	return prefix + ": missing required fields " + strings.Join(e.MissingFields, ", ")
}

// TypeError is a present field whose value does not match the declared kind.
type TypeError struct {
	Collection string
	Field      string
	Expected   string
	Actual     string
	Index      int
}

func (e *TypeError) Error() string {
	msg := fmt.Sprintf("field %q: expected %s, got %s", e.Field, e.Expected, e.Actual)
	if e.Index >= 0 {
		msg = fmt.Sprintf("document %d: %s", e.Index, msg)
	}
	if e.Collection != "" {
		msg = e.Collection + ": " + msg
	}
	return msg
}

// AuthError is never retried.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps one of the auth sentinels.
func NewAuthError(err error, reason string) *AuthError {
	return &AuthError{Reason: reason, Err: err}
}

// NotFoundError is a missing document, collection, user or session.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// CorruptDataError means a collection blob could not be decoded. Fatal for that collection.
type CorruptDataError struct {
	Path string
	Err  error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt data in %s: %v", e.Path, e.Err)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

// IsRetryable reports whether a transport failure may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if stderrors.As(err, &te) {
		return te.Retryable
	}
	return stderrors.Is(err, ErrTimeout) || stderrors.Is(err, ErrRateLimited)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return stderrors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return stderrors.As(err, &ce)
}
