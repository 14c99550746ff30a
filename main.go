// Package main scans a mailbox for distribution-advice emails and sends one
// consolidated report of the newly seen Net Distribution amounts.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sonukartik/net-distribution-notifier/config"
	"github.com/sonukartik/net-distribution-notifier/email"
	"github.com/sonukartik/net-distribution-notifier/mailbox"
	"github.com/sonukartik/net-distribution-notifier/poll"
	"github.com/sonukartik/net-distribution-notifier/report"
	"github.com/sonukartik/net-distribution-notifier/schedule"
	"github.com/sonukartik/net-distribution-notifier/server"
	"github.com/sonukartik/net-distribution-notifier/storage"
)

const (
	runTimeout      = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func main() {
	os.Exit(run(os.Stdout, os.Stderr))
}

// run wires the application and returns the process exit code. The status
// line goes to stdout; logs go to stderr.
func run(stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		newLogger(stderr, "info", "json").Error("Failed to load configuration", "error", err)
		return 1
	}
	logger := newLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 1
	}

	monitor, cleanup, err := buildMonitor(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return 1
	}
	defer cleanup()

	switch {
	case cfg.Port != "":
		srv := server.New(monitor, logger)
		if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
			logger.Error("Server failed", "error", err)
			return 1
		}
		return 0

	case cfg.Schedule != "":
		sched := schedule.New(monitor, cfg.Schedule, cfg.Location, runTimeout, logger)
		if err := sched.Start(); err != nil {
			logger.Error("Failed to start scheduler", "error", err)
			return 1
		}
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		sched.Stop(stopCtx)
		return 0

	default:
		runCtx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		result, err := monitor.Run(runCtx)
		if err != nil {
			var connErr *poll.ConnectError
			if errors.As(err, &connErr) {
				logger.Error("Connection failed", "op", connErr.Op, "error", connErr.Err)
			} else {
				logger.Error("Scan failed", "error", err)
			}
			_, _ = fmt.Fprintln(stdout, poll.FailedStatusLine)
			return 1
		}
		if _, err := fmt.Fprintln(stdout, result.StatusLine()); err != nil {
			return 1
		}
		return 0
	}
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// buildMonitor constructs the mailbox, notifier and state store selected by cfg.
func buildMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*poll.Monitor, func(), error) {
	var gmailService *gmail.Service
	if cfg.Mailbox == config.MailboxGmail || cfg.Notifier == config.NotifierGmail {
		var err error
		gmailService, err = initGmailService(ctx, cfg.GoogleCredentialsJSON)
		if err != nil {
			return nil, nil, fmt.Errorf("init gmail service: %w", err)
		}
	}

	var mb poll.Mailbox
	switch cfg.Mailbox {
	case config.MailboxGmail:
		mb = mailbox.NewGmail(gmailService, logger)
	default:
		mb = mailbox.NewIMAP(cfg.IMAPAddr, cfg.IMAPFolder, cfg.EmailAddress, cfg.EmailPassword, logger)
	}

	var provider email.Provider
	switch cfg.Notifier {
	case config.NotifierGmail:
		provider = email.NewGmailProvider(gmailService, logger)
	case config.NotifierBrevo:
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailAddress, cfg.BrevoFromName, logger)
	case config.NotifierMock:
		logger.Info("Mock email mode enabled, reports are logged instead of sent")
		provider = email.NewMockProvider(logger)
	default:
		provider = email.NewSMTPProvider(cfg.SMTPAddr, cfg.EmailAddress, cfg.EmailPassword, logger)
	}
	sender := email.New(provider, logger, cfg.NotifyTo)

	cleanup := func() {}
	var client *gcs.Client
	if cfg.StateBucket != "" {
		var err error
		client, err = gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		cleanup = func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		logger.Info("Using Cloud Storage for state", "bucket", cfg.StateBucket, "object", cfg.StateObject)
	} else {
		logger.Info("Using local file for state", "path", cfg.SeenFile)
	}
	store := storage.New(client, cfg.StateBucket, cfg.StateObject, cfg.SeenFile, logger)

	reports := report.Builder{Location: cfg.Location, LinkBase: cfg.LinkBase}
	monitor := poll.New(mb, store, sender, reports, poll.Options{
		Issuers:     cfg.Issuers,
		Concurrency: cfg.Concurrency,
	}, logger)
	return monitor, cleanup, nil
}

func initGmailService(ctx context.Context, credsJSON string) (*gmail.Service, error) {
	scopes := option.WithScopes(gmail.GmailReadonlyScope, gmail.GmailSendScope)

	// Try explicit credentials first (for local development or specific use cases)
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)), scopes)
	}

	// If running in Cloud Run, use Application Default Credentials (ADC)
	if isCloudRun(ctx) {
		return gmail.NewService(ctx, scopes)
	}

	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

// isCloudRun checks if we're running in a GCP environment by querying the metadata server.
func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}

var metadataURL = "http://metadata.google.internal/computeMetadata/v1/project/project-id"
