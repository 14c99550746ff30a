package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/sonukartik/net-distribution-notifier/pkg/notifier"
)

const imapTimeout = time.Minute

// IMAP reads messages from a folder over IMAP with implicit TLS.
// A single connection is shared; all commands are serialized.
type IMAP struct {
	logger   *slog.Logger
	addr     string
	folder   string
	username string
	password string
	dial     func(addr string) (*client.Client, error)

	mu sync.Mutex
	c  *client.Client
}

// NewIMAP creates an IMAP mailbox. Call Open before searching.
func NewIMAP(addr, folder, username, password string, logger *slog.Logger) *IMAP {
	return &IMAP{
		logger:   logger,
		addr:     addr,
		folder:   folder,
		username: username,
		password: password,
		dial:     dialTLS,
	}
}

func dialTLS(addr string) (*client.Client, error) {
	return client.DialWithDialerTLS(&net.Dialer{Timeout: 30 * time.Second}, addr, nil)
}

// Open dials the server, logs in and selects the folder read-only.
func (m *IMAP) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	startTime := time.Now()
	c, err := m.dial(m.addr)
	if err != nil {
		return &SessionError{Op: "dial", Err: err}
	}
	c.Timeout = imapTimeout

	if err := c.Login(m.username, m.password); err != nil {
		m.logout(c)
		return &SessionError{Op: "login", Err: err}
	}

	status, err := c.Select(m.folder, true)
	if err != nil {
		m.logout(c)
		return &SessionError{Op: "select", Err: fmt.Errorf("%s: %w", m.folder, err)}
	}

	m.c = c
	m.logger.Info("Mailbox session opened",
		"addr", m.addr,
		"folder", m.folder,
		"messages", status.Messages,
		"duration_ms", time.Since(startTime).Milliseconds())
	return nil
}

// Search returns the UIDs of messages whose subject contains subject.
func (m *IMAP) Search(ctx context.Context, subject string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(ctx); err != nil {
		return nil, err
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header.Add("Subject", subject)
	uids, err := m.c.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("uid search: %w", err)
	}

	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = strconv.FormatUint(uint64(uid), 10)
	}
	return ids, nil
}

// Fetch downloads the full message with the given UID without setting \Seen.
func (m *IMAP) Fetch(ctx context.Context, id string) (*notifier.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ready(ctx); err != nil {
		return nil, err
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem(), imap.FetchInternalDate, imap.FetchUid}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.c.UidFetch(seqset, items, messages)
	}()

	var msg *imap.Message
	for fetched := range messages {
		if msg == nil && fetched.Uid == uid {
			msg = fetched
		}
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("uid fetch %d: %w", uid, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrNotFound)
	}

	body := msg.GetBody(section)
	if body == nil {
		return nil, fmt.Errorf("uid %d: server returned no body", uid)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body of uid %d: %w", uid, err)
	}

	return &notifier.Message{
		ID:         id,
		Raw:        raw,
		ReceivedAt: msg.InternalDate,
	}, nil
}

// Close logs out. It is safe to call on a mailbox that was never opened.
func (m *IMAP) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.c == nil {
		return nil
	}
	err := m.c.Logout()
	m.c = nil
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.logger.Debug("Mailbox session closed", "addr", m.addr)
	return nil
}

func (m *IMAP) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.c == nil {
		return errors.New("mailbox not open")
	}
	return nil
}

func (m *IMAP) logout(c *client.Client) {
	if err := c.Logout(); err != nil {
		m.logger.Debug("Logout after failed open", "error", err)
	}
}

func parseUID(id string) (uint32, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil || uid == 0 {
		return 0, fmt.Errorf("invalid uid %q: %w", id, ErrNotFound)
	}
	return uint32(uid), nil
}
