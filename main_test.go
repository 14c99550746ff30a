package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sonukartik/net-distribution-notifier/poll"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level, format string
		enabled       slog.Level
		disabled      slog.Level
		wantJSON      bool
	}{
		{"debug", "json", slog.LevelDebug, slog.LevelDebug - 1, true},
		{"info", "text", slog.LevelInfo, slog.LevelDebug, false},
		{"warning", "json", slog.LevelWarn, slog.LevelInfo, true},
		{"error", "text", slog.LevelError, slog.LevelWarn, false},
		{"bogus", "bogus", slog.LevelInfo, slog.LevelDebug, true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		logger := newLogger(&buf, tt.level, tt.format)
		ctx := context.Background()
		if !logger.Enabled(ctx, tt.enabled) || logger.Enabled(ctx, tt.disabled) {
			t.Errorf("level %q: wrong threshold", tt.level)
		}
		logger.Error("Test message", "key", "value")
		if got := strings.HasPrefix(buf.String(), "{"); got != tt.wantJSON {
			t.Errorf("format %q: output %q", tt.format, buf.String())
		}
	}
}

func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	t.Chdir(t.TempDir())
	for _, key := range []string{
		"EMAIL_ADDRESS", "EMAIL_PASSWORD", "NOTIFY_TO", "ISSUERS_FILE", "MAILBOX",
		"IMAP_ADDR", "NOTIFIER", "SEEN_FILE", "STATE_BUCKET", "SCHEDULE", "PORT",
		"SCAN_CONCURRENCY", "TIMEZONE", "GOOGLE_CREDENTIALS_JSON",
	} {
		t.Setenv(key, env[key])
	}
}

func TestRunInvalidConfig(t *testing.T) {
	setEnv(t, map[string]string{"MAILBOX": "pop3"})

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
	if !strings.Contains(stderr.String(), "unknown MAILBOX") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	setEnv(t, map[string]string{
		"EMAIL_ADDRESS":  "me@example.com",
		"EMAIL_PASSWORD": "pw",
		"IMAP_ADDR":      addr,
		"NOTIFIER":       "mock",
		"SEEN_FILE":      filepath.Join(t.TempDir(), "seen.json"),
	})

	var stdout, stderr bytes.Buffer
	if code := run(&stdout, &stderr); code != 1 {
		t.Errorf("run() = %d, want 1", code)
	}
	if got := stdout.String(); got != poll.FailedStatusLine+"\n" {
		t.Errorf("stdout = %q, want %q", got, poll.FailedStatusLine+"\n")
	}
	if !strings.Contains(stderr.String(), "open mailbox") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestIsCloudRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Metadata-Flavor") != "Google" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte("my-project"))
	}))
	defer srv.Close()

	orig := metadataURL
	t.Cleanup(func() { metadataURL = orig })

	metadataURL = srv.URL
	if !isCloudRun(context.Background()) {
		t.Error("isCloudRun() = false with a reachable metadata server")
	}

	srv.Close()
	if isCloudRun(context.Background()) {
		t.Error("isCloudRun() = true with no metadata server")
	}
}

func TestInitGmailServiceNeedsCredentials(t *testing.T) {
	orig := metadataURL
	t.Cleanup(func() { metadataURL = orig })
	metadataURL = "http://127.0.0.1:1/"

	if _, err := initGmailService(context.Background(), ""); err == nil {
		t.Error("initGmailService() succeeded without credentials outside Cloud Run")
	}
}
