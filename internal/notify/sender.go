package notify

import (
	"context"
	"time"

	"peerhub/internal/observability"
)

// Message is one password reset delivery. Ticket is the raw single-use value and
// must only travel to the account owner.
type Message struct {
	AccountID string    `json:"account_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Ticket    string    `json:"ticket"`
	ResetURL  string    `json:"reset_url,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Sender interface {
	SendPasswordReset(ctx context.Context, msg Message) error
}

// LogSender records that a reset was issued. The raw ticket is only written when
// exposeTicket is set, which the app does for APP_ENV=development.
type LogSender struct {
	logger       *observability.Logger
	exposeTicket bool
}

func NewLogSender(logger *observability.Logger, exposeTicket bool) *LogSender {
	return &LogSender{logger: logger, exposeTicket: exposeTicket}
}

func (s *LogSender) SendPasswordReset(_ context.Context, msg Message) error {
	fields := map[string]any{
		"account_id": msg.AccountID,
		"expires_at": msg.ExpiresAt.Format(time.RFC3339),
	}
	if s.exposeTicket {
		fields["ticket"] = msg.Ticket
		if msg.ResetURL != "" {
			fields["reset_url"] = msg.ResetURL
		}
	}

	s.logger.Info("password_reset_issued", fields)
	return nil
}
