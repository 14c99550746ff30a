package poll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/sonukartik/net-distribution-notifier/dedup"
	"github.com/sonukartik/net-distribution-notifier/extract"
	"github.com/sonukartik/net-distribution-notifier/mailbody"
	"github.com/sonukartik/net-distribution-notifier/mailbox"
	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

// Selector picks the newest unseen distribution advice for an issuer.
type Selector struct {
	mailbox   Mailbox
	extractor *extract.Extractor
	logger    *slog.Logger

	fetchAttempts uint
	fetchDelay    time.Duration
}

// NewSelector creates a selector reading from mb.
func NewSelector(mb Mailbox, extractor *extract.Extractor, logger *slog.Logger) *Selector {
	return &Selector{
		mailbox:       mb,
		extractor:     extractor,
		logger:        logger,
		fetchAttempts: 3,
		fetchDelay:    time.Second,
	}
}

// SelectNew returns the most recent message for issuer that is not in seen and
// carries an extractable net distribution, or nil when there is none. Ties on
// timestamp go to the lexically smallest Message-ID. Search and fetch failures
// are logged and skipped; only context cancellation is returned as an error.
func (s *Selector) SelectNew(ctx context.Context, issuer notifier.Issuer, seen *dedup.Set) (*notifier.Record, error) {
	ids, err := s.search(ctx, issuer)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		s.logger.Debug("No messages for issuer", "issuer", issuer.Name)
		return nil, nil
	}

	var best *notifier.Candidate
	var skippedSeen, skippedEmpty, failed int
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := s.fetch(ctx, id)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("Skipping message after fetch failure", "issuer", issuer.Name, "mailbox_id", id, "error", err)
			failed++
			continue
		}

		c, seenBefore := s.evaluate(msg, seen)
		if seenBefore {
			skippedSeen++
			continue
		}
		if c == nil {
			skippedEmpty++
			continue
		}

		s.logger.Debug("Candidate found",
			"issuer", issuer.Name,
			"message_id", c.MessageID,
			"received_at", c.ReceivedAt,
			"value", c.Value)
		if best == nil || newer(c, best) {
			best = c
		}
	}

	s.logger.Info("Issuer scanned",
		"issuer", issuer.Name,
		"messages", len(ids),
		"already_seen", skippedSeen,
		"no_distribution", skippedEmpty,
		"fetch_failed", failed,
		"selected", best != nil)

	if best == nil {
		return nil, nil
	}
	return &notifier.Record{
		Issuer:    issuer.Name,
		Subject:   best.Subject,
		Timestamp: best.ReceivedAt,
		MessageID: best.MessageID,
		Value:     best.Value,
		Amount:    best.Amount,
	}, nil
}

// search unions the results of every subject variant, keeping first-seen order.
func (s *Selector) search(ctx context.Context, issuer notifier.Issuer) ([]string, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, subject := range issuer.Subjects {
		found, err := s.mailbox.Search(ctx, subject)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("Mailbox search failed", "issuer", issuer.Name, "subject", subject, "error", err)
			continue
		}
		s.logger.Debug("Mailbox search completed", "issuer", issuer.Name, "subject", subject, "matches", len(found))
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}

// fetch retries transient failures. Vanished messages are not retried.
func (s *Selector) fetch(ctx context.Context, id string) (*notifier.Message, error) {
	var msg *notifier.Message
	err := retry.Do(
		func() error {
			m, err := s.mailbox.Fetch(ctx, id)
			if err != nil {
				if errors.Is(err, mailbox.ErrNotFound) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			msg = m
			return nil
		},
		retry.Attempts(s.fetchAttempts),
		retry.Delay(s.fetchDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(s.fetchDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying message fetch after error", "attempt", n, "mailbox_id", id, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// evaluate decodes msg unless its key is already in seen. It returns a nil
// candidate when no distribution can be extracted.
func (s *Selector) evaluate(msg *notifier.Message, seen *dedup.Set) (*notifier.Candidate, bool) {
	h, err := mailbody.ParseHeader(msg.Raw)
	if err != nil {
		s.logger.Debug("Unreadable message header", "mailbox_id", msg.ID, "error", err)
	}

	key := h.MessageID
	if key == "" {
		key = "mailbox:" + msg.ID
	}
	if seen.Has(key) {
		return nil, true
	}

	text := mailbody.Decode(msg.Raw)
	if text.Lossy {
		s.logger.Debug("Message body decoded with replacements", "message_id", key)
	}
	d, ok := s.extractor.Extract(text.Body)
	if !ok {
		s.logger.Debug("No net distribution in message", "message_id", key, "subject", h.Subject)
		return nil, false
	}

	received := h.Date
	if received.IsZero() {
		received = msg.ReceivedAt
	}
	return &notifier.Candidate{
		ReceivedAt: received,
		Amount:     d.Amount,
		MailboxID:  msg.ID,
		MessageID:  key,
		Subject:    h.Subject,
		Value:      d.Value,
	}, false
}

func newer(c, best *notifier.Candidate) bool {
	if !c.ReceivedAt.Equal(best.ReceivedAt) {
		return c.ReceivedAt.After(best.ReceivedAt)
	}
	return c.MessageID < best.MessageID
}
