package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

// Gmail reads messages through the Gmail API as the authenticated user.
type Gmail struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmail creates a Gmail API mailbox.
func NewGmail(service *gmail.Service, logger *slog.Logger) *Gmail {
	return &Gmail{
		service: service,
		logger:  logger,
	}
}

// Open verifies the credentials by reading the account profile.
func (g *Gmail) Open(ctx context.Context) error {
	startTime := time.Now()
	profile, err := g.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return &SessionError{Op: "profile", Err: err}
	}
	g.logger.Info("Mailbox session opened",
		"account", profile.EmailAddress,
		"messages", profile.MessagesTotal,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

// Search returns the ids of messages whose subject matches subject.
func (g *Gmail) Search(ctx context.Context, subject string) ([]string, error) {
	var ids []string
	call := g.service.Users.Messages.List("me").Q(subjectQuery(subject)).IncludeSpamTrash(false)
	err := call.Pages(ctx, func(resp *gmail.ListMessagesResponse) error {
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return ids, nil
}

// Fetch downloads the raw RFC 5322 message.
func (g *Gmail) Fetch(ctx context.Context, id string) (*notifier.Message, error) {
	m, err := g.service.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}

	raw, err := decodeRaw(m.Raw)
	if err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}

	msg := &notifier.Message{ID: id, Raw: raw}
	if m.InternalDate > 0 {
		msg.ReceivedAt = time.UnixMilli(m.InternalDate)
	}
	return msg, nil
}

// Close is a no-op; the API is stateless.
func (*Gmail) Close() error {
	return nil
}

// subjectQuery builds a Gmail search for a subject phrase.
func subjectQuery(subject string) string {
	subject = strings.ReplaceAll(subject, `"`, " ")
	return fmt.Sprintf(`subject:"%s"`, strings.TrimSpace(subject))
}

// decodeRaw accepts base64url with or without padding.
func decodeRaw(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
