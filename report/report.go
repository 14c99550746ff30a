// Package report assembles selected records into a single notification.
package report

import (
	"cmp"
	"net/url"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

const (
	// DateLayout renders timestamps as "02-Jun-2025 10:15 AM".
	DateLayout = "02-Jan-2006 03:04 PM"

	// DefaultLinkBase opens a Gmail search for the message by its Message-ID.
	DefaultLinkBase = "https://mail.google.com/mail/u/0/#search/rfc822msgid:"
)

// Builder formats records. The zero value uses the local time zone and the Gmail link base.
type Builder struct {
	Location *time.Location
	LinkBase string
	Now      func() time.Time
}

// NewestFirst orders records by timestamp descending, then issuer, then message id.
func NewestFirst(x, y notifier.Record) int {
	if c := y.Timestamp.Compare(x.Timestamp); c != 0 {
		return c
	}
	return cmp.Or(
		cmp.Compare(x.Issuer, y.Issuer),
		cmp.Compare(x.MessageID, y.MessageID),
	)
}

// Build sorts records newest first and formats one row per record.
// The input slice is not modified.
func (b Builder) Build(records []notifier.Record) *notifier.Report {
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	sorted := slices.Clone(records)
	slices.SortStableFunc(sorted, NewestFirst)

	rep := &notifier.Report{
		GeneratedAt: now().In(loc),
		Total:       decimal.Zero,
		Rows:        make([]notifier.Row, 0, len(sorted)),
	}
	for _, r := range sorted {
		rep.Total = rep.Total.Add(r.Amount)
		rep.Rows = append(rep.Rows, notifier.Row{
			Issuer:  r.Issuer,
			Subject: r.Subject,
			Date:    r.Timestamp.In(loc).Format(DateLayout),
			Link:    b.Link(r.MessageID),
			Value:   r.Value,
		})
	}
	return rep
}

// Link returns the deep link for a message id.
func (b Builder) Link(messageID string) string {
	base := b.LinkBase
	if base == "" {
		base = DefaultLinkBase
	}
	return base + url.PathEscape(messageID)
}
