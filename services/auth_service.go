package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/config"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/audit"
	"go.pilab.hu/restodb/internal/auth/otp"
	"go.pilab.hu/restodb/internal/auth/rbac"
	"go.pilab.hu/restodb/internal/metrics"
	"go.pilab.hu/restodb/query"
)

const auditService = "AuthService"

// UserSchema is the contract registered for the users collection when the
// configuration does not declare one.
func UserSchema() *domain.Schema {
	return &domain.Schema{
		Required: []string{"email", "passwordHash", "status", "roles"},
		Types: map[string]domain.Kind{
			"email":               domain.KindString,
			"passwordHash":        domain.KindString,
			"status":              domain.KindString,
			"roles":               domain.KindArray,
			"permissions":         domain.KindArray,
			"name":                domain.KindString,
			"restaurantId":        domain.KindString,
			"profile":             domain.KindObject,
			"emailVerified":       domain.KindBoolean,
			"failedLoginAttempts": domain.KindInt,
			"lastLoginAt":         domain.KindDate,
		},
		Default: map[string]any{"emailVerified": false},
	}
}

// ChallengeInfo describes an issued OTP challenge without its code.
type ChallengeInfo struct {
	Email     string            `json:"email"`
	Purpose   domain.OTPPurpose `json:"purpose"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

// LoginResult is either a pending challenge or an issued session.
type LoginResult struct {
	State     string          `json:"state"`
	Token     string          `json:"token,omitempty"`
	Session   *domain.Session `json:"session,omitempty"`
	User      *domain.User    `json:"-"`
	Challenge *ChallengeInfo  `json:"challenge,omitempty"`
}

// Pending reports whether the caller must still verify a one-time code.
func (r *LoginResult) Pending() bool { return r.State == StatePendingChallenge }

// RegisterInput is the data accepted at registration.
type RegisterInput struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	Name         string         `json:"name,omitempty"`
	RestaurantID string         `json:"restaurantId,omitempty"`
	Roles        []string       `json:"roles,omitempty"`
	Profile      map[string]any `json:"profile,omitempty"`
}

// RegisterResult carries the stored user and, when verification is
// required, the challenge that activates it.
type RegisterResult struct {
	User      *domain.User   `json:"-"`
	Challenge *ChallengeInfo `json:"challenge,omitempty"`
}

// AuthService runs login, registration and OTP verification against the
// users collection.
type AuthService struct {
	users      *restodb.TypedCollection[domain.User]
	sessions   *SessionManager
	challenges domain.ChallengeStore
	hasher     PasswordHasher
	notifier   Notifier
	codes      *otp.Generator
	cfg        config.AuthConfig
	now        func() time.Time

	registerMu sync.Mutex
	verifyMu   sync.Mutex
}

// NewAuthService wires the service. When the users collection has no
// declared contract, UserSchema is registered for it.
func NewAuthService(
	db *restodb.DB,
	sessions *SessionManager,
	challenges domain.ChallengeStore,
	hasher PasswordHasher,
	notifier Notifier,
	cfg config.AuthConfig,
) (*AuthService, error) {
	if _, ok := db.Schemas().Get(domain.UsersCollection); !ok {
		if err := db.Schemas().Register(domain.UsersCollection, UserSchema()); err != nil {
			return nil, err
		}
	}
	if notifier == nil {
		notifier = LoggingNotifier{}
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	if cfg.OTPMaxAttempts <= 0 {
		cfg.OTPMaxAttempts = 5
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = domain.RoleStaff
	}
	return &AuthService{
		users:      restodb.Typed[domain.User](db.Collection(domain.UsersCollection)),
		sessions:   sessions,
		challenges: challenges,
		hasher:     hasher,
		notifier:   notifier,
		codes:      otp.NewGenerator(cfg.OTPDigits),
		cfg:        cfg,
		now:        time.Now,
	}, nil
}

// Sessions returns the session manager.
func (s *AuthService) Sessions() *SessionManager { return s.sessions }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *AuthService) findByEmail(ctx context.Context, email string) (*domain.User, error) {
	users, err := s.users.Find(ctx, query.Eq("email", email))
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, &serrors.NotFoundError{Kind: "user", Key: email}
	}
	return users[0], nil
}

// Login checks the password. When login is an OTP action the result is a
// pending challenge; otherwise it carries a new session token.
func (s *AuthService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = normalizeEmail(email)
	log.Debug().Str("email", email).Msg("Login attempt")

	user, err := s.findByEmail(ctx, email)
	if err != nil {
		if !serrors.IsNotFound(err) {
			log.Error().Err(err).Str("email", email).Msg("Login: user lookup failed")
			return nil, err
		}
		log.Warn().Str("email", email).Msg("Login: user not found")
		audit.Log(auditService, "Login", email, "", "User not found", false, err)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, serrors.NewAuthError(serrors.ErrInvalidCredentials, "login")
	}
	userID := user.CanonicalID()

	if err := s.hasher.Verify(user.PasswordHash, password); err != nil {
		log.Warn().Str("user_id", userID).Msg("Login: incorrect password")
		audit.Log(auditService, "Login", userID, userID, "Incorrect password", false, err)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		s.recordFailedLogin(ctx, user)
		return nil, serrors.NewAuthError(serrors.ErrInvalidCredentials, "login")
	}

	switch user.Status {
	case domain.UserStatusLocked:
		log.Warn().Str("user_id", userID).Msg("Login: account locked")
		audit.Log(auditService, "Login", userID, userID, "Account locked", false, serrors.ErrAccountLocked)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, serrors.NewAuthError(serrors.ErrAccountLocked, "login")
	case domain.UserStatusPending:
		log.Warn().Str("user_id", userID).Msg("Login: account pending verification")
		audit.Log(auditService, "Login", userID, userID, "Account pending verification", false, serrors.ErrAccountPending)
		metrics.LoginsTotal.WithLabelValues("failure").Inc()
		return nil, serrors.NewAuthError(serrors.ErrAccountPending, "login")
	}

	if s.cfg.OTPRequired(domain.OTPPurposeLogin) {
		info, err := s.issueChallenge(ctx, user, domain.OTPPurposeLogin)
		if err != nil {
			return nil, err
		}
		log.Info().Str("user_id", userID).Msg("Login: one-time code required")
		audit.Log(auditService, "Login", userID, userID, "Password accepted, one-time code issued", true, nil)
		metrics.LoginsTotal.WithLabelValues("pending").Inc()
		return &LoginResult{State: StatePendingChallenge, User: user, Challenge: info}, nil
	}

	return s.completeLogin(ctx, user)
}

// completeLogin issues the session once every check has passed.
func (s *AuthService) completeLogin(ctx context.Context, user *domain.User) (*LoginResult, error) {
	userID := user.CanonicalID()

	token, session, err := s.sessions.Issue(ctx, user)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("completeLogin: failed to issue session")
		audit.Log(auditService, "LoginComplete", userID, userID, "Failed to issue session", false, err)
		return nil, err
	}

	now := s.now().UTC()
	updated, err := s.users.Update(ctx, userID, domain.Document{
		"lastLoginAt":         now,
		"failedLoginAttempts": 0,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("completeLogin: failed to update lastLoginAt")
	} else {
		user = updated
	}

	metrics.LoginsTotal.WithLabelValues("success").Inc()
	audit.Log(auditService, "LoginComplete", userID, userID, "Login successful, session created", true, nil)
	return &LoginResult{State: StateAuthenticated, Token: token, Session: session, User: user}, nil
}

func (s *AuthService) recordFailedLogin(ctx context.Context, user *domain.User) {
	_, err := s.users.Update(ctx, user.CanonicalID(), domain.Document{
		"failedLoginAttempts": user.FailedLoginAttempts + 1,
	})
	if err != nil {
		log.Warn().Err(err).Str("user_id", user.CanonicalID()).Msg("Login: failed to record failed attempt")
	}
}

// Register stores a new user. The email must not be registered yet. When
// email verification is required the user starts pending and a register
// challenge is issued.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*RegisterResult, error) {
	email := normalizeEmail(in.Email)
	if err := s.checkRegistration(email, in.Password); err != nil {
		return nil, err
	}

	roles := in.Roles
	if len(roles) == 0 {
		roles = []string{s.cfg.DefaultRole}
	}
	for _, r := range roles {
		if !rbac.KnownRole(r) {
			return nil, &serrors.TypeError{Collection: domain.UsersCollection, Field: "roles", Expected: "known role", Actual: r, Index: -1}
		}
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	verify := s.cfg.RequireEmailVerification || s.cfg.OTPRequired(domain.OTPPurposeRegister)
	status := domain.UserStatusActive
	if verify {
		status = domain.UserStatusPending
	}

	// The uniqueness scan and the insert must not interleave with another
	// registration from this process.
	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	if _, err := s.findByEmail(ctx, email); err == nil {
		audit.Log(auditService, "Register", email, "", "Email already registered", false, serrors.ErrEmailTaken)
		return nil, serrors.NewAuthError(serrors.ErrEmailTaken, "register")
	} else if !serrors.IsNotFound(err) {
		return nil, err
	}

	user, err := s.users.Insert(ctx, &domain.User{
		Email:        email,
		PasswordHash: hash,
		Status:       status,
		Name:         in.Name,
		RestaurantID: in.RestaurantID,
		Roles:        roles,
		Profile:      in.Profile,
	})
	if err != nil {
		log.Error().Err(err).Str("email", email).Msg("Register: insert failed")
		audit.Log(auditService, "Register", email, "", "Insert failed", false, err)
		return nil, err
	}
	userID := user.CanonicalID()
	metrics.UsersRegisteredTotal.Inc()
	audit.Log(auditService, "Register", userID, userID, "User registered with status "+string(status), true, nil)
	log.Info().Str("user_id", userID).Str("status", string(status)).Msg("User registered")

	res := &RegisterResult{User: user}
	if verify {
		info, err := s.issueChallenge(ctx, user, domain.OTPPurposeRegister)
		if err != nil {
			// A pending user must always have a challenge.
			if derr := s.users.Untyped().Delete(ctx, userID); derr != nil {
				log.Error().Err(derr).Str("user_id", userID).Msg("Register: failed to remove unverifiable user")
			} else {
				audit.Log(auditService, "Register", userID, userID, "Registration rolled back, code undelivered", false, err)
			}
			return nil, err
		}
		res.Challenge = info
	}
	return res, nil
}

func (s *AuthService) checkRegistration(email, password string) error {
	var missing []string
	if email == "" {
		missing = append(missing, "email")
	}
	if password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return &serrors.ValidationError{Collection: domain.UsersCollection, MissingFields: missing, Index: -1}
	}
	if at := strings.IndexByte(email, '@'); at < 1 || at == len(email)-1 {
		return &serrors.TypeError{Collection: domain.UsersCollection, Field: "email", Expected: "email address", Actual: "string", Index: -1}
	}
	if p, ok := s.hasher.(PasswordPolicy); ok {
		if err := p.CheckPolicy(password); err != nil {
			return err
		}
	}
	return nil
}

// issueChallenge replaces any active challenge for (email, purpose) and
// sends the new code.
func (s *AuthService) issueChallenge(ctx context.Context, user *domain.User, purpose domain.OTPPurpose) (*ChallengeInfo, error) {
	code, hash, err := s.codes.Generate()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	challenge := &domain.OTPChallenge{
		Email:     user.Email,
		Purpose:   purpose,
		CodeHash:  hash,
		UserID:    user.CanonicalID(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.OTPTTL),
	}
	if err := s.challenges.Put(ctx, challenge); err != nil {
		return nil, fmt.Errorf("store otp challenge: %w", err)
	}

	if err := s.notifier.SendOTP(ctx, OTPMessage{
		Email:     user.Email,
		Purpose:   purpose,
		Code:      code,
		ExpiresAt: challenge.ExpiresAt,
	}); err != nil {
		log.Error().Err(err).Str("email", user.Email).Str("purpose", string(purpose)).Msg("Failed to deliver one-time code")
		_, _ = s.challenges.Delete(ctx, user.Email, purpose)
		metrics.OTPChallengesTotal.WithLabelValues(string(purpose), "undelivered").Inc()
		return nil, fmt.Errorf("deliver one-time code: %w", err)
	}

	metrics.OTPChallengesTotal.WithLabelValues(string(purpose), "issued").Inc()
	audit.Log(auditService, "IssueOTP", user.CanonicalID(), user.CanonicalID(), "One-time code issued for "+string(purpose), true, nil)
	return &ChallengeInfo{Email: user.Email, Purpose: purpose, ExpiresAt: challenge.ExpiresAt}, nil
}

// ResendOTP replaces the challenge for (email, purpose) with a fresh code.
// Only an existing challenge can be resent, except that a user still pending
// verification can always get a new register code.
func (s *AuthService) ResendOTP(ctx context.Context, email string, purpose domain.OTPPurpose) (*ChallengeInfo, error) {
	email = normalizeEmail(email)
	prev, err := s.challenges.Get(ctx, email, purpose)
	if err != nil {
		if !serrors.IsNotFound(err) {
			return nil, err
		}
		if purpose == domain.OTPPurposeRegister {
			if user, uerr := s.findByEmail(ctx, email); uerr == nil && user.Status == domain.UserStatusPending {
				return s.issueChallenge(ctx, user, purpose)
			}
		}
		return nil, serrors.NewAuthError(serrors.ErrOTPNotFound, string(purpose))
	}
	user, err := s.users.Get(ctx, prev.UserID)
	if err != nil {
		return nil, err
	}
	return s.issueChallenge(ctx, user, purpose)
}

// VerifyOTP checks a code for (email, purpose). It fails with ErrOTPExpired,
// ErrOTPMismatch or ErrOTPNotFound. On success the challenge is consumed, a
// pending registration is activated and a session is issued.
func (s *AuthService) VerifyOTP(ctx context.Context, email, code string, purpose domain.OTPPurpose) (*LoginResult, error) {
	email = normalizeEmail(email)

	s.verifyMu.Lock()
	defer s.verifyMu.Unlock()

	challenge, err := s.challenges.Get(ctx, email, purpose)
	if err != nil {
		if serrors.IsNotFound(err) {
			audit.Log(auditService, "VerifyOTP", email, "", "No active challenge", false, err)
			return nil, serrors.NewAuthError(serrors.ErrOTPNotFound, string(purpose))
		}
		return nil, err
	}

	flow := newAuthFlow(challenge, s.cfg.OTPMaxAttempts)
	if err := flow.verify(ctx, code, s.now()); err != nil {
		s.recordOTPFailure(ctx, flow, err)
		return nil, err
	}

	// Another process may have accepted the same code between Get and here;
	// only the caller whose delete removed the challenge goes on.
	consumed, err := s.challenges.Delete(ctx, email, purpose)
	if err != nil {
		return nil, fmt.Errorf("consume otp challenge: %w", err)
	}
	if !consumed {
		audit.Log(auditService, "VerifyOTP", challenge.UserID, challenge.UserID, "Challenge already consumed", false, serrors.ErrOTPNotFound)
		return nil, serrors.NewAuthError(serrors.ErrOTPNotFound, string(purpose))
	}
	metrics.OTPChallengesTotal.WithLabelValues(string(purpose), "verified").Inc()
	audit.Log(auditService, "VerifyOTP", challenge.UserID, challenge.UserID, "One-time code verified for "+string(purpose), true, nil)

	user, err := s.users.Get(ctx, challenge.UserID)
	if err != nil {
		return nil, err
	}
	if purpose == domain.OTPPurposeRegister && user.Status == domain.UserStatusPending {
		user, err = s.users.Update(ctx, user.CanonicalID(), domain.Document{
			"status":        string(domain.UserStatusActive),
			"emailVerified": true,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("user_id", user.CanonicalID()).Msg("User activated")
	}
	if user.Status == domain.UserStatusLocked {
		return nil, serrors.NewAuthError(serrors.ErrAccountLocked, "verify")
	}

	return s.completeLogin(ctx, user)
}

func (s *AuthService) recordOTPFailure(ctx context.Context, flow *authFlow, err error) {
	c := flow.challenge
	outcome := "mismatch"
	switch {
	case stderrors.Is(err, serrors.ErrOTPExpired):
		outcome = "expired"
	case flow.exhausted():
		outcome = "exhausted"
		if _, derr := s.challenges.Delete(ctx, c.Email, c.Purpose); derr != nil {
			log.Warn().Err(derr).Str("email", c.Email).Msg("VerifyOTP: failed to drop exhausted challenge")
		}
	default:
		if uerr := s.challenges.Update(ctx, c); uerr != nil {
			log.Warn().Err(uerr).Str("email", c.Email).Msg("VerifyOTP: failed to record attempt")
		}
	}
	metrics.OTPChallengesTotal.WithLabelValues(string(c.Purpose), outcome).Inc()
	audit.Log(auditService, "VerifyOTP", c.UserID, c.UserID, "One-time code rejected: "+outcome, false, err)
}

// SweepExpired drops challenges past their TTL.
func (s *AuthService) SweepExpired(ctx context.Context) int {
	return s.challenges.SweepExpired(ctx, s.now())
}

// GetSession resolves a session token.
func (s *AuthService) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	return s.sessions.Get(ctx, token)
}

// Logout destroys the session. Logging out twice is not an error.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	session, err := s.sessions.Get(ctx, token)
	if err != nil && !serrors.IsNotFound(err) {
		return err
	}
	if err := s.sessions.Destroy(ctx, token); err != nil {
		return err
	}
	if session != nil {
		audit.Log(auditService, "Logout", session.UserID, session.UserID, "Session destroyed", true, nil)
	}
	return nil
}

// LogoutEverywhere destroys every session of the user.
func (s *AuthService) LogoutEverywhere(ctx context.Context, userID string) (int, error) {
	n, err := s.sessions.DestroyUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	audit.Log(auditService, "LogoutEverywhere", userID, userID, fmt.Sprintf("%d sessions destroyed", n), true, nil)
	return n, nil
}

// HasPermission is true when the permission is granted directly or through
// any of the user's roles.
func (s *AuthService) HasPermission(user *domain.User, permission string) bool {
	if user == nil {
		return false
	}
	return rbac.HasPermission(user.Roles, user.Permissions, permission)
}

// GetUser returns the user with id, matching either id alias.
func (s *AuthService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	user, err := s.users.Get(ctx, id)
	if err != nil {
		if serrors.IsNotFound(err) {
			return nil, &serrors.NotFoundError{Kind: "user", Key: id}
		}
		return nil, err
	}
	return user, nil
}

// ChangePassword replaces the password after checking the current one.
// Every session of the user is destroyed.
func (s *AuthService) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := s.hasher.Verify(user.PasswordHash, current); err != nil {
		audit.Log(auditService, "ChangePassword", userID, userID, "Incorrect current password", false, err)
		return serrors.NewAuthError(serrors.ErrInvalidCredentials, "change password")
	}
	if p, ok := s.hasher.(PasswordPolicy); ok {
		if err := p.CheckPolicy(next); err != nil {
			return err
		}
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if _, err := s.users.Update(ctx, user.CanonicalID(), domain.Document{"passwordHash": hash}); err != nil {
		return err
	}
	if _, err := s.sessions.DestroyUser(ctx, user.CanonicalID()); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("ChangePassword: failed to destroy sessions")
	}
	audit.Log(auditService, "ChangePassword", userID, userID, "Password changed", true, nil)
	return nil
}
