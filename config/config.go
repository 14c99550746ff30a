// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
	"github.com/sonukartik/net-distribution-notifier/report"
)

// Mailbox and notifier backends.
const (
	MailboxIMAP  = "imap"
	MailboxGmail = "gmail"

	NotifierSMTP  = "smtp"
	NotifierGmail = "gmail"
	NotifierBrevo = "brevo"
	NotifierMock  = "mock"
)

// Config holds all configuration for the application.
type Config struct {
	EmailAddress  string
	EmailPassword string
	NotifyTo      string

	Issuers     []notifier.Issuer
	IssuersFile string

	Mailbox    string
	IMAPAddr   string
	IMAPFolder string

	Notifier      string
	SMTPAddr      string
	BrevoAPIKey   string
	BrevoFromName string

	GoogleCredentialsJSON string

	SeenFile    string
	StateBucket string
	StateObject string

	Concurrency int
	Location    *time.Location
	LinkBase    string

	Schedule string // Cron spec; empty runs once
	Port     string // When set, serve HTTP instead of running once

	LogLevel  string
	LogFormat string
}

type issuersFile struct {
	Issuers []notifier.Issuer `yaml:"issuers"`
}

// Load reads configuration from environment variables and .env file (if present).
// Only malformed values are reported here; use Validate for completeness checks.
func Load() (*Config, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &Config{
		EmailAddress:          os.Getenv("EMAIL_ADDRESS"),
		EmailPassword:         os.Getenv("EMAIL_PASSWORD"),
		NotifyTo:              os.Getenv("NOTIFY_TO"),
		IssuersFile:           os.Getenv("ISSUERS_FILE"),
		Mailbox:               strings.ToLower(envOr("MAILBOX", MailboxIMAP)),
		IMAPAddr:              envOr("IMAP_ADDR", "imap.gmail.com:993"),
		IMAPFolder:            envOr("IMAP_FOLDER", "INBOX"),
		Notifier:              strings.ToLower(envOr("NOTIFIER", NotifierSMTP)),
		SMTPAddr:              envOr("SMTP_ADDR", "smtp.gmail.com:465"),
		BrevoAPIKey:           os.Getenv("BREVO_API_KEY"),
		BrevoFromName:         envOr("BREVO_FROM_NAME", "Net Distribution Notifier"),
		GoogleCredentialsJSON: os.Getenv("GOOGLE_CREDENTIALS_JSON"),
		SeenFile:              envOr("SEEN_FILE", "seen_emails.json"),
		StateBucket:           os.Getenv("STATE_BUCKET"),
		StateObject:           envOr("STATE_OBJECT", "seen_emails.json"),
		LinkBase:              envOr("LINK_BASE", report.DefaultLinkBase),
		Schedule:              os.Getenv("SCHEDULE"),
		Port:                  os.Getenv("PORT"),
		LogLevel:              strings.ToLower(envOr("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(envOr("LOG_FORMAT", "json")),
	}
	if cfg.NotifyTo == "" {
		cfg.NotifyTo = cfg.EmailAddress
	}

	var err error
	cfg.Concurrency, err = strconv.Atoi(envOr("SCAN_CONCURRENCY", "1"))
	if err != nil {
		return nil, fmt.Errorf("invalid SCAN_CONCURRENCY: %w", err)
	}

	cfg.Location, err = loadLocation(envOr("TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	if cfg.IssuersFile == "" {
		cfg.Issuers = DefaultIssuers()
	} else {
		cfg.Issuers, err = LoadIssuers(cfg.IssuersFile)
		if err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Mailbox {
	case MailboxIMAP:
		if c.EmailAddress == "" {
			errs = append(errs, errors.New("EMAIL_ADDRESS is not set"))
		}
		if c.EmailPassword == "" {
			errs = append(errs, errors.New("EMAIL_PASSWORD is not set"))
		}
	case MailboxGmail:
	default:
		errs = append(errs, fmt.Errorf("unknown MAILBOX %q", c.Mailbox))
	}

	switch c.Notifier {
	case NotifierSMTP:
		if c.Mailbox != MailboxIMAP && (c.EmailAddress == "" || c.EmailPassword == "") {
			errs = append(errs, errors.New("smtp notifier needs EMAIL_ADDRESS and EMAIL_PASSWORD"))
		}
	case NotifierBrevo:
		if c.BrevoAPIKey == "" {
			errs = append(errs, errors.New("BREVO_API_KEY is not set"))
		}
		if c.EmailAddress == "" {
			errs = append(errs, errors.New("brevo notifier needs EMAIL_ADDRESS as sender"))
		}
	case NotifierGmail, NotifierMock:
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFIER %q", c.Notifier))
	}

	if c.NotifyTo == "" && c.Notifier != NotifierMock {
		errs = append(errs, errors.New("NOTIFY_TO is not set"))
	}
	if c.StateBucket == "" && c.SeenFile == "" {
		errs = append(errs, errors.New("SEEN_FILE or STATE_BUCKET must be set"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("SCAN_CONCURRENCY must be at least 1, got %d", c.Concurrency))
	}
	if c.Schedule != "" && c.Port != "" {
		errs = append(errs, errors.New("SCHEDULE and PORT are mutually exclusive"))
	}
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid SCHEDULE: %w", err))
		}
	}
	if err := ValidateIssuers(c.Issuers); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// LoadIssuers reads an issuer list from a YAML file:
//
//	issuers:
//	  - name: IndiGrid
//	    subjects: ["IndiGrid Distribution Advice"]
func LoadIssuers(path string) ([]notifier.Issuer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read issuers file: %w", err)
	}
	var f issuersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse issuers file %s: %w", path, err)
	}
	return f.Issuers, nil
}

// ValidateIssuers checks that names are unique and every issuer has a subject.
func ValidateIssuers(issuers []notifier.Issuer) error {
	if len(issuers) == 0 {
		return errors.New("no issuers configured")
	}
	var errs []error
	names := make(map[string]bool, len(issuers))
	for i, is := range issuers {
		name := strings.TrimSpace(is.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("issuer %d has no name", i))
			continue
		}
		if names[name] {
			errs = append(errs, fmt.Errorf("duplicate issuer %q", name))
		}
		names[name] = true

		var subjects int
		for _, s := range is.Subjects {
			if strings.TrimSpace(s) != "" {
				subjects++
			}
		}
		if subjects == 0 {
			errs = append(errs, fmt.Errorf("issuer %q has no subjects", name))
		}
	}
	return errors.Join(errs...)
}

// DefaultIssuers is the built-in issuer list.
func DefaultIssuers() []notifier.Issuer {
	return []notifier.Issuer{
		{Name: "IndiGrid", Subjects: []string{"IndiGrid Distribution Advice"}},
		{Name: "Embassy REIT", Subjects: []string{"Embassy REIT Distribution Advice", "Embassy Office Parks REIT", "Embassy REIT"}},
		{Name: "Bharat Highways", Subjects: []string{"Bharat Highways Invit"}},
		{Name: "Capital Infra", Subjects: []string{"INDUSINVIT"}},
		{Name: "Nexus Trust REIT", Subjects: []string{"Nexus Select Trust ReIT - Distribution Advice", "NEXUS SELECT TRUST", "Nexus Select Trust"}},
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func loadLocation(name string) (*time.Location, error) {
	if strings.EqualFold(name, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
