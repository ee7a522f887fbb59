// Package notify defines the push notification delivery capability
// consumed by the push queue's handler. Actual vendor delivery lives
// behind the Sender interface.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrUnregisteredToken is returned when the device token is no longer
// valid at the vendor. Retrying cannot help; the task is permanent-
// failed and the token should be cleared by enrollment tooling.
var ErrUnregisteredToken = errors.New("device token is unregistered")

// Sender delivers one push notification to a device token.
type Sender interface {
	Send(ctx context.Context, token string, payload map[string]string) error
}

// LogSender acknowledges every notification by logging it. Used when
// no vendor credentials are configured and in tests.
type LogSender struct {
	log zerolog.Logger
}

// NewLogSender creates a sender that logs instead of delivering.
func NewLogSender(log zerolog.Logger) *LogSender {
	return &LogSender{log: log.With().Str("component", "log_sender").Logger()}
}

// Send logs the notification and reports success.
func (s *LogSender) Send(ctx context.Context, token string, payload map[string]string) error {
	s.log.Info().
		Str("token_suffix", suffix(token)).
		Int("fields", len(payload)).
		Msg("Notification delivery (log only)")
	return nil
}

// suffix keeps logs useful without recording whole device tokens.
func suffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return "..." + token[len(token)-6:]
}
