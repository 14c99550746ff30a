package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockMessage is one email captured by MockProvider.
type MockMessage struct {
	To      string
	Subject string
	HTML    string
}

// MockProvider logs reports instead of sending them and keeps them in memory.
// Used for dry runs (NOTIFIER=mock) and tests.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []MockMessage
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send records the email and logs a summary; the body is logged at debug level.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.mu.Lock()
	m.sent = append(m.sent, MockMessage{To: to, Subject: subject, HTML: htmlBody})
	count := len(m.sent)
	m.mu.Unlock()

	m.logger.Info("Report not sent, mock notifier",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody),
		"sent_total", count)
	m.logger.Debug("Mock report body", "html", htmlBody)
	return nil
}

// Sent returns a copy of the captured emails in send order.
func (m *MockProvider) Sent() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
