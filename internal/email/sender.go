package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenware/opsagent/internal/config"
)

// sendTimeout bounds one complete compose-and-deliver cycle.
const sendTimeout = 60 * time.Second

// Sender delivers notification mail to the configured operator
// addresses. It satisfies the notify package's Mailer interface.
type Sender struct {
	cfg    config.EmailConfig
	logger *slog.Logger
}

// NewSender creates a Sender. Returns an error if the email
// configuration is incomplete.
func NewSender(cfg config.EmailConfig, logger *slog.Logger) (*Sender, error) {
	if !cfg.Configured() {
		return nil, fmt.Errorf("email not configured: from, to, and smtp host are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{cfg: cfg, logger: logger.With("component", "email")}, nil
}

// Send composes a markdown-bodied message and delivers it to the
// configured recipients.
func (s *Sender) Send(ctx context.Context, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	msg, err := ComposeMessage(ComposeOptions{
		From:    s.cfg.From,
		To:      s.cfg.To,
		Subject: subject,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	if err := SendMail(ctx, s.cfg.SMTP, s.cfg.From, s.cfg.To, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	s.logger.Debug("mail sent", "subject", subject, "recipients", len(s.cfg.To))
	return nil
}
