package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/shopspring/decimal"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type sent struct {
	to, subject, body string
}

type captureProvider struct {
	sent []sent
	err  error
}

func (c *captureProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, sent{to: to, subject: subject, body: htmlBody})
	return nil
}

func sampleReport() *notifier.Report {
	return &notifier.Report{
		GeneratedAt: time.Date(2025, 6, 2, 10, 30, 0, 0, time.UTC),
		Total:       decimal.RequireFromString("3466.78"),
		Rows: []notifier.Row{
			{
				Issuer:  "IndiGrid",
				Subject: "IndiGrid Distribution Advice <Q1>",
				Date:    "02-Jun-2025 10:15 AM",
				Link:    "https://mail.google.com/mail/u/0/#search/rfc822msgid:advice-1@indigrid.example",
				Value:   "3456.78",
			},
			{
				Issuer:  "Embassy REIT",
				Subject: "",
				Date:    "01-Jun-2025 09:00 AM",
				Link:    "https://mail.google.com/mail/u/0/#search/rfc822msgid:e@x",
				Value:   "10.00",
			},
		},
	}
}

func TestSendReport(t *testing.T) {
	provider := &captureProvider{}
	sender := New(provider, testLogger(), "investor@example.com")

	if err := sender.SendReport(context.Background(), sampleReport()); err != nil {
		t.Fatalf("SendReport() error = %v", err)
	}
	if len(provider.sent) != 1 {
		t.Fatalf("provider called %d times, want 1", len(provider.sent))
	}

	got := provider.sent[0]
	if got.to != "investor@example.com" || got.subject != ReportSubject {
		t.Errorf("sent to %q subject %q", got.to, got.subject)
	}

	for _, want := range []string{
		"New Net Distribution Details:",
		`<th style="background-color: #d4edda;">Company</th>`,
		`<th style="background-color: #ffe5b4;">Subject (Link)</th>`,
		`<th style="background-color: #d0e8f2;">Date</th>`,
		`<a href="https://mail.google.com/mail/u/0/#search/rfc822msgid:advice-1@indigrid.example" target="_blank">IndiGrid Distribution Advice &lt;Q1&gt;</a>`,
		"02-Jun-2025 10:15 AM",
		">3456.78<",
		"(no subject)",
		">3466.78<",
	} {
		if !strings.Contains(got.body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Index(got.body, "IndiGrid") > strings.Index(got.body, "Embassy REIT") {
		t.Error("rows not rendered in report order")
	}
}

func TestSendReportSingleRowHasNoTotal(t *testing.T) {
	provider := &captureProvider{}
	rep := sampleReport()
	rep.Rows = rep.Rows[:1]

	if err := New(provider, testLogger(), "a@b").SendReport(context.Background(), rep); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(provider.sent[0].body, ">Total<") {
		t.Error("single-row report rendered a total row")
	}
}

func TestSendReportEmpty(t *testing.T) {
	provider := &captureProvider{}
	sender := New(provider, testLogger(), "a@b")

	if err := sender.SendReport(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := sender.SendReport(context.Background(), &notifier.Report{}); err != nil {
		t.Fatal(err)
	}
	if len(provider.sent) != 0 {
		t.Errorf("empty report sent %d emails", len(provider.sent))
	}
}

func TestSendReportProviderError(t *testing.T) {
	cause := errors.New("quota exceeded")
	sender := New(&captureProvider{err: cause}, testLogger(), "a@b")

	if err := sender.SendReport(context.Background(), sampleReport()); !errors.Is(err, cause) {
		t.Errorf("SendReport() error = %v, want wrapped %v", err, cause)
	}
}

func TestEscapeHTML(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"<script>", "&lt;script&gt;"},
		{"hello & goodbye", "hello &amp; goodbye"},
		{`"quotes"`, "&quot;quotes&quot;"},
		{"it's", "it&#39;s"},
		{"<b>test</b>", "&lt;b&gt;test&lt;/b&gt;"},
	}

	for _, tt := range tests {
		result := escapeHTML(tt.input)
		if result != tt.expected {
			t.Errorf("escapeHTML(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	tests := map[string]string{
		"investor@example.com":               "investor@example.com",
		"a@b\r\nBcc: evil@example.com":       "a@bBcc: evil@example.com",
		"New Net Distribution\x00\x7f Email": "New Net Distribution Email",
		"₹ Distribution":                     "₹ Distribution",
	}
	for in, want := range tests {
		if got := sanitizeEmailHeader(in); got != want {
			t.Errorf("sanitizeEmailHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestComposeMessage(t *testing.T) {
	body := "<p>E Net Distribution ₹ 3,456.78</p>"
	raw, err := composeMessage("me@example.com", "you@example.com\r\nBcc: evil@example.com", ReportSubject, body, time.Now())
	if err != nil {
		t.Fatalf("composeMessage() error = %v", err)
	}

	r, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("parse composed message: %v", err)
	}
	if r.Header.Get("Bcc") != "" {
		t.Error("header injection produced a Bcc header")
	}
	if subject, err := r.Header.Subject(); err != nil || subject != ReportSubject {
		t.Errorf("Subject = %q, %v", subject, err)
	}
	if id, err := r.Header.MessageID(); err != nil || id == "" {
		t.Errorf("MessageID = %q, %v", id, err)
	}
	from, err := r.Header.AddressList("From")
	if err != nil || len(from) != 1 || from[0].Address != "me@example.com" {
		t.Errorf("From = %v, %v", from, err)
	}

	p, err := r.NextPart()
	if err != nil {
		t.Fatalf("NextPart() error = %v", err)
	}
	ct, params, err := p.Header.(*mail.InlineHeader).ContentType()
	if err != nil || ct != "text/html" || params["charset"] != "utf-8" {
		t.Errorf("Content-Type = %q %v, %v", ct, params, err)
	}
	decoded, err := io.ReadAll(p.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != body {
		t.Errorf("body = %q, want %q", decoded, body)
	}
}

type smtpDelivery struct {
	from string
	to   []string
	data string
}

// smtpBackend accepts one account and records every delivered message.
type smtpBackend struct {
	username, password string

	mu        sync.Mutex
	delivered []smtpDelivery
}

func (b *smtpBackend) Login(_ *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if username != b.username || password != b.password {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Username and Password not accepted",
		}
	}
	return &smtpSession{backend: b}, nil
}

func (b *smtpBackend) AnonymousLogin(*smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}

func (b *smtpBackend) messages() []smtpDelivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]smtpDelivery(nil), b.delivered...)
}

type smtpSession struct {
	backend *smtpBackend
	current smtpDelivery
}

func (s *smtpSession) Reset()        { s.current = smtpDelivery{} }
func (s *smtpSession) Logout() error { return nil }

func (s *smtpSession) Mail(from string, _ smtp.MailOptions) error {
	s.current.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string) error {
	s.current.to = append(s.current.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.current.data = string(data)
	s.backend.mu.Lock()
	s.backend.delivered = append(s.backend.delivered, s.current)
	s.backend.mu.Unlock()
	return nil
}

// startSMTPServer runs a plaintext submission server on a loopback port.
func startSMTPServer(t *testing.T, be *smtpBackend) string {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ErrorLog = log.New(io.Discard, "", 0)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })
	return l.Addr().String()
}

func plainDialer(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func TestSMTPProviderSend(t *testing.T) {
	be := &smtpBackend{username: "me@example.com", password: "app-password"}
	addr := startSMTPServer(t, be)

	p := NewSMTPProvider(addr, "me@example.com", "app-password", testLogger())
	p.dial = plainDialer

	if err := p.Send(context.Background(), "investor@example.com", ReportSubject, "<p>hello</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := be.messages()
	if len(got) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(got))
	}
	if got[0].from != "me@example.com" {
		t.Errorf("MAIL FROM = %q", got[0].from)
	}
	if len(got[0].to) != 1 || got[0].to[0] != "investor@example.com" {
		t.Errorf("RCPT TO = %v", got[0].to)
	}

	r, err := mail.CreateReader(strings.NewReader(got[0].data))
	if err != nil {
		t.Fatalf("parse delivered message: %v", err)
	}
	if subject, err := r.Header.Subject(); err != nil || subject != ReportSubject {
		t.Errorf("Subject = %q, %v", subject, err)
	}
	p2, err := r.NextPart()
	if err != nil {
		t.Fatal(err)
	}
	body, err := io.ReadAll(p2.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "<p>hello</p>" {
		t.Errorf("body = %q", body)
	}
}

func TestSMTPProviderAuthFailure(t *testing.T) {
	be := &smtpBackend{username: "me@example.com", password: "app-password"}
	addr := startSMTPServer(t, be)

	p := NewSMTPProvider(addr, "me@example.com", "wrong", testLogger())
	p.dial = plainDialer

	err := p.Send(context.Background(), "me@example.com", ReportSubject, "<p>hello</p>")
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 535 || !strings.Contains(err.Error(), "smtp auth") {
		t.Errorf("Send() error = %v, want 535 auth failure", err)
	}
	if n := len(be.messages()); n != 0 {
		t.Errorf("delivered %d messages after failed auth", n)
	}
}

func TestSMTPProviderDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	p := NewSMTPProvider(addr, "me@example.com", "pw", testLogger())
	p.dial = plainDialer
	if err := p.Send(context.Background(), "me@example.com", ReportSubject, "<p>x</p>"); err == nil || !strings.Contains(err.Error(), "dial smtp") {
		t.Errorf("Send() error = %v, want dial failure", err)
	}
}

func TestBrevoProviderSend(t *testing.T) {
	var got brevoSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "key-123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthorized","message":"Key not found"}`))
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<202506021030.1@smtp-relay.example>"}`))
	}))
	defer srv.Close()

	p := NewBrevoProvider("key-123", "alerts@example.com", "Distribution Notifier", testLogger())
	p.endpoint = srv.URL

	if err := p.Send(context.Background(), "investor@example.com", ReportSubject, "<p>hi</p>"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Sender.Email != "alerts@example.com" || len(got.To) != 1 || got.To[0].Email != "investor@example.com" {
		t.Errorf("request = %+v", got)
	}
	if got.Subject != ReportSubject || got.HTML != "<p>hi</p>" {
		t.Errorf("request subject %q html %q", got.Subject, got.HTML)
	}

	p.apiKey = "wrong"
	err := p.Send(context.Background(), "investor@example.com", ReportSubject, "<p>hi</p>")
	if err == nil || !strings.Contains(err.Error(), "Key not found") {
		t.Errorf("Send() error = %v, want API error message", err)
	}
}

func TestMockProviderCaptures(t *testing.T) {
	mock := NewMockProvider(testLogger())
	sender := New(mock, testLogger(), "investor@example.com")

	if err := sender.SendReport(context.Background(), sampleReport()); err != nil {
		t.Fatal(err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].To != "investor@example.com" || sent[0].Subject != ReportSubject {
		t.Fatalf("Sent() = %+v", sent)
	}
	if !strings.Contains(sent[0].HTML, "IndiGrid") {
		t.Error("captured body missing report rows")
	}
}

func TestGmailRawIsURLSafe(t *testing.T) {
	raw, err := composeMessage("", "a@b", ReportSubject, strings.Repeat("<p>₹ ?&gt;</p>", 50), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	encoded := base64.URLEncoding.EncodeToString(raw)
	if strings.ContainsAny(encoded, "+/") {
		t.Error("gmail raw payload is not base64url")
	}
}
