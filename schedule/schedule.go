// Package schedule runs scans on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sonukartik/net-distribution-notifier/poll"
)

// Runner performs one scan.
type Runner interface {
	Run(ctx context.Context) (*poll.Result, error)
}

// Scheduler triggers Runner on a cron spec.
type Scheduler struct {
	engine  *cron.Cron
	runner  Runner
	spec    string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a scheduler. Each run gets its own context bounded by timeout.
func New(runner Runner, spec string, loc *time.Location, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		engine:  cron.New(cron.WithLocation(loc)),
		runner:  runner,
		spec:    spec,
		timeout: timeout,
		logger:  logger,
	}
}

// Start registers the scan job and starts the cron engine.
func (s *Scheduler) Start() error {
	if _, err := s.engine.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("add scan job %q: %w", s.spec, err)
	}
	s.engine.Start()

	next := s.engine.Entries()[0].Next
	s.logger.Info("Scheduler started", "spec", s.spec, "next_run", next.Format(time.RFC3339))
	return nil
}

// Stop stops scheduling and waits for a running scan to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("Stopping scheduler")
	done := s.engine.Stop()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("Scheduler stop timed out, abandoning running scan", "error", ctx.Err())
	}
}

func (s *Scheduler) runOnce() {
	s.logger.Info("Scheduled scan triggered")
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.runner.Run(ctx)
	switch {
	case errors.Is(err, poll.ErrBusy):
		s.logger.Warn("Skipping scheduled scan, previous scan still running")
	case err != nil:
		s.logger.Error("Scheduled scan failed", "error", err)
	default:
		s.logger.Info("Scheduled scan completed", "status", result.StatusLine())
	}
}
