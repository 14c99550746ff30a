// Package poll scans the mailbox for new distribution advices and reports them.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sonukartik/net-distribution-notifier/dedup"
	"github.com/sonukartik/net-distribution-notifier/extract"
	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
	"github.com/sonukartik/net-distribution-notifier/report"
	"github.com/sonukartik/net-distribution-notifier/storage"
)

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("scan already in progress")

// Mailbox interface for searching and fetching messages.
// Implementations must be safe for concurrent use when Concurrency > 1.
type Mailbox interface {
	Open(ctx context.Context) error
	Search(ctx context.Context, subject string) ([]string, error)
	Fetch(ctx context.Context, id string) (*notifier.Message, error)
	Close() error
}

// Store interface for dedup state persistence.
type Store interface {
	Load(ctx context.Context) (*dedup.Set, error)
	Save(ctx context.Context, set *dedup.Set) error
}

// Notifier interface for delivering reports.
type Notifier interface {
	SendReport(ctx context.Context, rep *notifier.Report) error
}

// ConnectError marks a failure to reach the mailbox or the notification transport.
type ConnectError struct {
	Op  string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// Options tunes a Monitor.
type Options struct {
	Issuers     []notifier.Issuer
	Concurrency int // Issuers scanned in parallel; values below 1 mean 1
}

// FailedStatusLine is printed instead of StatusLine when a run fails.
const FailedStatusLine = "Scan failed."

// Result summarizes one run.
type Result struct {
	Report  *notifier.Report  // Nil when nothing new was found
	Records []notifier.Record // Newest first, same order as Report.Rows
}

// StatusLine is the single human-readable summary of the run.
func (r *Result) StatusLine() string {
	if r == nil || len(r.Records) == 0 {
		return "No new distribution emails found."
	}
	return fmt.Sprintf("Found %d new records. Notification sent.", len(r.Records))
}

// Monitor runs the scan pipeline.
type Monitor struct {
	mailbox  Mailbox
	store    Store
	notifier Notifier
	reports  report.Builder
	selector *Selector
	opts     Options
	logger   *slog.Logger

	running sync.Mutex
}

// New creates a new poll monitor.
func New(mb Mailbox, store Store, sender Notifier, reports report.Builder, opts Options, logger *slog.Logger) *Monitor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Monitor{
		mailbox:  mb,
		store:    store,
		notifier: sender,
		reports:  reports,
		selector: NewSelector(mb, extract.New(), logger),
		opts:     opts,
		logger:   logger,
	}
}

// Run performs one scan. State is persisted only after the report was sent,
// so a failed run leaves the saved state untouched.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	if !m.running.TryLock() {
		return nil, ErrBusy
	}
	defer m.running.Unlock()

	startTime := time.Now()

	seen, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrMalformed) {
			return nil, fmt.Errorf("load state: %w", err)
		}
		m.logger.Warn("Saved state is unreadable, starting with an empty set", "error", err)
		seen = dedup.NewSet()
	}
	m.logger.Info("Starting scan", "issuers", len(m.opts.Issuers), "seen", seen.Len(), "concurrency", m.opts.Concurrency)

	if err := m.mailbox.Open(ctx); err != nil {
		return nil, &ConnectError{Op: "open mailbox", Err: err}
	}

	delta := seen.Stage()
	records, scanErr := m.scan(ctx, seen, delta)

	if err := m.mailbox.Close(); err != nil {
		m.logger.Warn("Failed to close mailbox", "error", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}

	if len(records) == 0 {
		m.logger.Info("Scan completed, nothing new", "duration_ms", time.Since(startTime).Milliseconds())
		return &Result{}, nil
	}

	rep := m.reports.Build(records)
	if err := m.notifier.SendReport(ctx, rep); err != nil {
		return nil, &ConnectError{Op: "send report", Err: err}
	}

	if err := m.store.Save(ctx, delta.Apply()); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}

	m.logger.Info("Scan completed",
		"records", len(records),
		"new_ids", len(delta.Added()),
		"total", rep.Total.String(),
		"duration_ms", time.Since(startTime).Milliseconds())

	return &Result{Report: rep, Records: records}, nil
}

// scan selects at most one record per issuer, newest first. seen is
// read-only; selected ids go to delta.
func (m *Monitor) scan(ctx context.Context, seen *dedup.Set, delta *dedup.Delta) ([]notifier.Record, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)

	var mu sync.Mutex
	var records []notifier.Record
	for _, issuer := range m.opts.Issuers {
		g.Go(func() error {
			rec, err := m.selector.SelectNew(gctx, issuer, seen)
			if err != nil {
				return fmt.Errorf("scan %s: %w", issuer.Name, err)
			}
			if rec == nil {
				return nil
			}

			m.logger.Info("New distribution found",
				"issuer", rec.Issuer,
				"message_id", rec.MessageID,
				"timestamp", rec.Timestamp.Format(time.RFC3339),
				"value", rec.Value)

			mu.Lock()
			records = append(records, *rec)
			mu.Unlock()
			delta.Add(rec.MessageID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(records, report.NewestFirst)
	return records, nil
}
