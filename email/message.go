package email

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// sanitizeEmailHeader removes newlines and control characters to prevent header injection.
// RFC 5322 headers are newline-delimited, so any newline in a header value
// allows arbitrary headers or body content to be injected.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		// Allow only printable characters (space through ~) and valid UTF-8
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// composeMessage builds a single-part HTML message. from may be empty when
// the transport fills it in.
func composeMessage(from, to, subject, htmlBody string, date time.Time) ([]byte, error) {
	to = sanitizeEmailHeader(to)
	subject = sanitizeEmailHeader(subject)

	var h mail.Header
	h.SetDate(date)
	if from != "" {
		h.SetAddressList("From", []*mail.Address{{Address: sanitizeEmailHeader(from)}})
	}
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}
	h.Set("MIME-Version", "1.0")
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, htmlBody); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}
