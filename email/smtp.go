package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const smtpTimeout = time.Minute

// SMTPProvider sends emails through an implicit-TLS SMTP submission server
// (smtp.gmail.com:465) using PLAIN authentication.
type SMTPProvider struct {
	addr     string
	username string
	password string
	logger   *slog.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSMTPProvider creates a new SMTP email provider. The account is also the sender.
func NewSMTPProvider(addr, username, password string, logger *slog.Logger) *SMTPProvider {
	p := &SMTPProvider{
		addr:     addr,
		username: username,
		password: password,
		logger:   logger,
	}
	p.dial = p.dialTLS
	return p
}

func (p *SMTPProvider) dialTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := &tls.Dialer{Config: &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}}
	return d.DialContext(ctx, network, addr)
}

// Send sends an email via SMTP.
func (p *SMTPProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw, err := composeMessage(p.username, to, subject, htmlBody, time.Now())
	if err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(p.addr)
	if err != nil {
		return fmt.Errorf("parse smtp address: %w", err)
	}

	p.logger.Info("SMTP request starting", "addr", p.addr, "to", to, "subject", subject)
	startTime := time.Now()

	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(smtpTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set smtp deadline: %w", err)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil {
			p.logger.Debug("SMTP connection close", "error", closeErr)
		}
	}()

	if err := c.Auth(sasl.NewPlainClient("", p.username, p.password)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(p.username, nil); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := c.Rcpt(sanitizeEmailHeader(to)); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write smtp data: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish smtp data: %w", err)
	}
	if err := c.Quit(); err != nil {
		p.logger.Debug("SMTP quit", "error", err)
	}

	p.logger.Info("SMTP request completed",
		"to", to,
		"duration_ms", time.Since(startTime).Milliseconds(),
		"status", "success")
	return nil
}
