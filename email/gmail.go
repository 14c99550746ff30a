package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// Send sends an email via Gmail API. A failure is returned to the caller
// without retrying; the next scheduled run sends the report again.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	// From address is set by Gmail API based on the authenticated account
	raw, err := composeMessage("", to, subject, htmlBody, time.Now())
	if err != nil {
		return err
	}

	g.logger.Info("Gmail API request starting",
		"method", "POST",
		"endpoint", "users.messages.send",
		"to", to,
		"subject", subject)

	startTime := time.Now()
	_, err = g.service.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	duration := time.Since(startTime)

	if err != nil {
		g.logger.Warn("Gmail API send failed",
			"to", to,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("gmail send: %w", err)
	}

	g.logger.Info("Gmail API request completed",
		"endpoint", "users.messages.send",
		"to", to,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	return nil
}
