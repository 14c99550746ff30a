package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider sends reports through the Brevo transactional email API.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

type brevoError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Send posts the report to Brevo. Failures are returned without retrying.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: sanitizeEmailHeader(b.fromAddr), Name: sanitizeEmailHeader(b.fromName)},
		To:      []brevoContact{{Email: sanitizeEmailHeader(to)}},
		Subject: sanitizeEmailHeader(subject),
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	b.logger.Info("Brevo API request starting", "to", to, "subject", subject)
	startTime := time.Now()

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read brevo response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr brevoError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("brevo: HTTP %d: %s: %s", resp.StatusCode, apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("brevo: HTTP %d", resp.StatusCode)
	}

	var sent brevoSendResponse
	if err := json.Unmarshal(body, &sent); err != nil {
		b.logger.Debug("Brevo response without message id", "error", err)
	}
	b.logger.Info("Brevo API request completed",
		"to", to,
		"message_id", sent.MessageID,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}
