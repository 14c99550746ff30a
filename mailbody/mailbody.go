// Package mailbody turns raw RFC 5322 messages into plain text suitable for line-based matching.
package mailbody

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	stdmail "net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"golang.org/x/net/html/charset"
)

const maxPartBytes = 4 << 20 // Distribution advices are small; anything bigger is truncated

// Text is the best-effort plain text of a message.
// Lossy reports that bytes were replaced or the body could only be read partially.
type Text struct {
	Body  string
	Lossy bool
}

// Header holds the message headers the selector needs.
type Header struct {
	Date      time.Time // Zero when missing or unparseable
	MessageID string    // Without angle brackets
	Subject   string    // RFC 2047 decoded
}

func init() {
	message.CharsetReader = charsetReader
}

// charsetReader never fails: unknown labels pass the raw bytes through and
// readPart repairs them afterwards.
func charsetReader(label string, input io.Reader) (io.Reader, error) {
	r, err := charset.NewReaderLabel(label, input)
	if err != nil {
		return input, nil
	}
	return r, nil
}

type part struct {
	body  string
	lossy bool
}

// Decode returns the text body of raw. The first inline text/plain part wins,
// then the first text/plain attachment, then the first inline text/html part
// converted with HTMLToText. It never fails: when no body can be produced the
// returned Text is empty.
func Decode(raw []byte) Text {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Text{}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return fallback(raw)
	}

	topType, _, err := mr.Header.ContentType()
	single := err != nil || !strings.HasPrefix(topType, "multipart/")

	var plain, attached, htmlPart *part
	var broken bool
	for plain == nil {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			broken = true
			break
		}

		var h message.Header
		isAttachment := false
		switch ph := p.Header.(type) {
		case *mail.InlineHeader:
			h = ph.Header
		case *mail.AttachmentHeader:
			h = ph.Header
			isAttachment = true
		default:
			continue
		}

		mediaType, params, err := h.ContentType()
		if err != nil {
			if isAttachment {
				continue
			}
			mediaType = "text/plain" // RFC 2045 default
		}

		var slot **part
		switch {
		case isAttachment && mediaType == "text/plain":
			slot = &attached
		case isAttachment:
			continue
		case mediaType == "text/html":
			slot = &htmlPart
		case mediaType == "text/plain" || single:
			slot = &plain
		default:
			continue
		}
		if *slot != nil {
			continue
		}

		body, lossy := readPart(p.Body, mediaType, params["charset"])
		*slot = &part{body: body, lossy: lossy}
	}

	switch {
	case plain != nil:
		return Text{Body: plain.body, Lossy: broken || plain.lossy}
	case attached != nil:
		return Text{Body: attached.body, Lossy: broken || attached.lossy}
	case htmlPart != nil:
		return Text{Body: HTMLToText(htmlPart.body), Lossy: broken || htmlPart.lossy}
	default:
		return Text{Lossy: broken}
	}
}

// readPart reads an already transfer-decoded part body as UTF-8. When the
// declared charset is absent or unknown and the bytes are not valid UTF-8, the
// encoding is guessed from the content. Bodies over maxPartBytes are truncated
// and reported lossy.
func readPart(r io.Reader, mediaType, label string) (string, bool) {
	data, err := io.ReadAll(io.LimitReader(r, maxPartBytes+1))
	lossy := err != nil
	if len(data) > maxPartBytes {
		data = data[:maxPartBytes]
		lossy = true
	}

	if !utf8.Valid(data) && !knownCharset(label) {
		if enc, _, _ := charset.DetermineEncoding(data, mediaType); enc != nil {
			if decoded, decErr := enc.NewDecoder().Bytes(data); decErr == nil {
				data = decoded
			}
		}
	}

	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	if strings.ContainsRune(text, utf8.RuneError) {
		lossy = true
	}
	return text, lossy
}

func knownCharset(label string) bool {
	if strings.TrimSpace(label) == "" {
		return false
	}
	enc, _ := charset.Lookup(label)
	return enc != nil
}

// fallback is used when the structured parser rejects the message.
func fallback(raw []byte) Text {
	msg, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Text{Lossy: true}
	}
	body, _ := readPart(msg.Body, "text/plain", "")
	if strings.Contains(strings.ToLower(msg.Header.Get("Content-Type")), "text/html") {
		body = HTMLToText(body)
	}
	return Text{Body: body, Lossy: true}
}

// ParseHeader reads the header block of raw without touching the body.
func ParseHeader(raw []byte) (Header, error) {
	th, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var out Header
	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = id
	} else {
		out.MessageID = NormalizeMessageID(h.Get("Message-Id"))
	}

	if subject, err := h.Subject(); err == nil {
		out.Subject = subject
	} else {
		out.Subject = strings.TrimSpace(h.Get("Subject"))
	}

	if date, err := h.Date(); err == nil {
		out.Date = date
	}

	return out, nil
}

// NormalizeMessageID strips whitespace, angle brackets and quotes from a Message-ID value.
func NormalizeMessageID(value string) string {
	value = strings.TrimSpace(value)
	value = strings.Trim(value, "<>")
	value = strings.Trim(value, "\"")
	return strings.TrimSpace(value)
}
