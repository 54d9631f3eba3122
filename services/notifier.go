package services

import (
	"context"

	"github.com/rs/zerolog/log"
)

// LoggingNotifier writes one-time codes to the log. Useful for development
// and the CLI; production deployments plug in an email sender.
type LoggingNotifier struct{}

func (LoggingNotifier) SendOTP(_ context.Context, msg OTPMessage) error {
	log.Info().
		Str("email", msg.Email).
		Str("purpose", string(msg.Purpose)).
		Str("code", msg.Code).
		Time("expires_at", msg.ExpiresAt).
		Msg("One-time code issued")
	return nil
}

var _ Notifier = LoggingNotifier{}
