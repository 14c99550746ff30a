// Package notifier contains the core domain types for the distribution notification service.
package notifier

import (
	"time"

	"github.com/shopspring/decimal"
)

// Issuer is a tracked entity whose distribution-advice emails are scanned.
type Issuer struct {
	Name     string   `yaml:"name"`     // Unique display name
	Subjects []string `yaml:"subjects"` // Subject search terms, in order
}

// Message is a raw message fetched from the mailbox.
type Message struct {
	ReceivedAt time.Time // Server-side internal date (zero if unknown)
	ID         string    // Mailbox-local identifier (IMAP UID, Gmail message id)
	Raw        []byte    // Full RFC 5322 message
}

// Candidate is one fetched message evaluated for an issuer during a single run.
type Candidate struct {
	ReceivedAt time.Time
	Amount     decimal.Decimal
	MailboxID  string
	MessageID  string // Message-ID header without brackets; the dedup key
	Subject    string
	Value      string // Normalized net distribution, empty when nothing was extracted
}

// Record is the candidate selected for an issuer in a run.
type Record struct {
	Timestamp time.Time
	Amount    decimal.Decimal
	Issuer    string
	Subject   string
	MessageID string
	Value     string
}

// Row is a single formatted line of a report.
type Row struct {
	Issuer  string
	Subject string
	Date    string // Formatted timestamp
	Link    string // Deep link to the message in the mail client
	Value   string
}

// Report is the consolidated notification for one run, newest first.
type Report struct {
	GeneratedAt time.Time
	Total       decimal.Decimal
	Rows        []Row
}
