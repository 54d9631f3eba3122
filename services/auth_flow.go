package services

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/auth/otp"
)

// Auth flow states. A login or registration that needs a one-time code sits
// in StatePendingChallenge until the code is verified.
const (
	StatePendingChallenge = "pending_challenge"
	StateAuthenticated    = "authenticated"
)

const eventVerify = "verify"

// authFlow is the two-call OTP exchange for one (email, purpose) challenge.
type authFlow struct {
	challenge   *domain.OTPChallenge
	maxAttempts int
	machine     *fsm.FSM

	failure error
}

func newAuthFlow(challenge *domain.OTPChallenge, maxAttempts int) *authFlow {
	f := &authFlow{challenge: challenge, maxAttempts: maxAttempts}
	f.machine = fsm.NewFSM(
		StatePendingChallenge,
		fsm.Events{
			{Name: eventVerify, Src: []string{StatePendingChallenge}, Dst: StateAuthenticated},
		},
		fsm.Callbacks{
			"before_" + eventVerify: f.beforeVerify,
		},
	)
	return f
}

// beforeVerify cancels the transition unless the code matches a live challenge.
// A mismatch counts against the attempt budget.
func (f *authFlow) beforeVerify(_ context.Context, e *fsm.Event) {
	code, _ := e.Args[0].(string)
	now, _ := e.Args[1].(time.Time)

	switch {
	case f.challenge.Attempts >= f.maxAttempts:
		f.failure = serrors.NewAuthError(serrors.ErrOTPNotFound, "attempts exhausted")
	case f.challenge.Expired(now):
		f.failure = serrors.NewAuthError(serrors.ErrOTPExpired, string(f.challenge.Purpose))
	case !otp.Verify(f.challenge.CodeHash, code):
		f.challenge.Attempts++
		f.failure = serrors.NewAuthError(serrors.ErrOTPMismatch, string(f.challenge.Purpose))
	}
	if f.failure != nil {
		e.Cancel(f.failure)
	}
}

// verify attempts the pending → authenticated transition.
func (f *authFlow) verify(ctx context.Context, code string, now time.Time) error {
	f.failure = nil
	if err := f.machine.Event(ctx, eventVerify, code, now); err != nil {
		if f.failure != nil {
			return f.failure
		}
		return serrors.NewAuthError(serrors.ErrOTPNotFound, "challenge already used")
	}
	return nil
}

// exhausted reports whether the challenge has no attempts left.
func (f *authFlow) exhausted() bool {
	return f.challenge.Attempts >= f.maxAttempts
}

func (f *authFlow) state() string { return f.machine.Current() }
