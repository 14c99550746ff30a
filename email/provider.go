// Package email delivers distribution reports via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

// ReportSubject is the subject line of every report email.
const ReportSubject = "New Net Distribution Email(s) Received"

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender sends report emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       string
}

// New creates a new email sender delivering to a fixed recipient.
func New(provider Provider, logger *slog.Logger, to string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		to:       to,
	}
}

// SendReport emails rep as an HTML table. Empty reports are not sent.
func (s *Sender) SendReport(ctx context.Context, rep *notifier.Report) error {
	if rep == nil || len(rep.Rows) == 0 {
		return nil
	}

	body := formatReportBody(rep)

	s.logger.Info("Sending report email",
		"to", s.to,
		"subject", ReportSubject,
		"row_count", len(rep.Rows))

	if err := s.provider.Send(ctx, s.to, ReportSubject, body); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}
