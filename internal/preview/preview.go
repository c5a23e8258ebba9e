// Package preview turns raw RFC 5322 messages into the short plain-text
// fields carried by a notification.
package preview

import (
	"bytes"
	"fmt"
	stdhtml "html"
	"io"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/microcosm-cc/bluemonday"
)

// DefaultMaxLength is the preview length used when none is configured.
const DefaultMaxLength = 600

const (
	noContent     = "No content"
	noSubject     = "No Subject"
	unknownSender = "Unknown Sender"
	maxBodyBytes  = 1 << 20
)

var (
	urlRe        = regexp.MustCompile(`https?://\S+`)
	spaceRe      = regexp.MustCompile(`\s+`)
	blankLinesRe = regexp.MustCompile(`\n\s*\n`)
	blockTagRe   = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6])\s*/?>`)
	scriptRe     = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)\s*>`)

	// Signature and disclaimer tails are cut from the first match to the end.
	signatureRes = []*regexp.Regexp{
		regexp.MustCompile(`(?m)^--\s*$`),
		regexp.MustCompile(`(?i)Sent from my`),
		regexp.MustCompile(`(?i)Get Outlook for`),
		regexp.MustCompile(`(?i)This email and any attachments`),
		regexp.MustCompile(`CONFIDENTIAL`),
		regexp.MustCompile(`(?i)This message contains.*confidential`),
	}
)

// autoHeaders are copied into Header.Auto when present.
var autoHeaders = []string{
	"Auto-Submitted",
	"Precedence",
	"X-Autoreply",
	"X-Autorespond",
}

// Header holds the display and identity fields of one message.
type Header struct {
	MessageID string
	Sender    string
	Subject   string
	Date      time.Time
	// Auto maps lower-cased auto-response header names to their values.
	Auto map[string]string
}

// Headers parses the header block of raw. Missing fields get display
// defaults; a zero Date means the header was absent or malformed.
func Headers(raw []byte) (Header, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return Header{}, fmt.Errorf("parse header: %w", err)
	}
	h := mail.Header{Header: e.Header}

	out := Header{
		Sender:  sender(h),
		Subject: noSubject,
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		out.MessageID = "<" + id + ">"
	} else if v := strings.TrimSpace(h.Get("Message-Id")); v != "" {
		out.MessageID = v
	}
	if s, err := h.Subject(); err == nil && strings.TrimSpace(s) != "" {
		out.Subject = strings.TrimSpace(s)
	} else if s := strings.TrimSpace(h.Get("Subject")); s != "" {
		out.Subject = s
	}
	if d, err := h.Date(); err == nil {
		out.Date = d
	}
	for _, name := range autoHeaders {
		if v := h.Get(name); v != "" {
			if out.Auto == nil {
				out.Auto = make(map[string]string)
			}
			out.Auto[strings.ToLower(name)] = strings.TrimSpace(v)
		}
	}
	return out, nil
}

func sender(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		a := addrs[0]
		if a.Name != "" {
			return fmt.Sprintf("%s <%s>", a.Name, a.Address)
		}
		return a.Address
	}
	if v, err := h.Text("From"); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return unknownSender
}

// Extractor builds body previews.
type Extractor struct {
	MaxLength int
	policy    *bluemonday.Policy
}

// NewExtractor returns an Extractor truncating to maxLength runes.
func NewExtractor(maxLength int) *Extractor {
	if maxLength <= 3 {
		maxLength = DefaultMaxLength
	}
	return &Extractor{MaxLength: maxLength, policy: bluemonday.StrictPolicy()}
}

// Extract returns the cleaned, truncated preview of raw. Messages without a
// readable text part yield "No content".
func (x *Extractor) Extract(raw []byte) string {
	return x.shorten(x.Text(raw))
}

// Text returns the cleaned body text of raw without truncation. text/plain is
// preferred; text/html is stripped of markup when no plain part exists.
func (x *Extractor) Text(raw []byte) string {
	plain, html := bodies(raw)
	switch {
	case plain != "":
		return clean(plain)
	case html != "":
		return clean(x.htmlToText(html))
	}
	return ""
}

func (x *Extractor) shorten(text string) string {
	if text == "" {
		return noContent
	}
	text = urlRe.ReplaceAllString(text, "[URL]")
	max := x.MaxLength
	if max <= 3 {
		max = DefaultMaxLength
	}
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-3]) + "..."
}

func (x *Extractor) htmlToText(html string) string {
	policy := x.policy
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}
	html = scriptRe.ReplaceAllString(html, "")
	html = blockTagRe.ReplaceAllString(html, "\n")
	return stdhtml.UnescapeString(policy.Sanitize(html))
}

// clean cuts signature tails and collapses whitespace.
func clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, re := range signatureRes {
		if loc := re.FindStringIndex(text); loc != nil {
			text = text[:loc[0]]
		}
	}
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	text = spaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// bodies walks the MIME tree and returns the first text/plain and text/html
// parts that are not attachments.
func bodies(raw []byte) (plain, html string) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", ""
	}
	// A malformed part ends the walk; parts read before it are still used.
	_ = e.Walk(func(_ []int, part *message.Entity, err error) error {
		if err != nil {
			return err
		}
		if disp, _, _ := part.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		ct, _, err := part.Header.ContentType()
		if err != nil {
			ct = "text/plain"
		}
		switch {
		case ct == "text/plain" && plain == "":
			plain = readPart(part.Body)
		case ct == "text/html" && html == "":
			html = readPart(part.Body)
		}
		return nil
	})
	return plain, html
}

func readPart(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil && len(b) == 0 {
		return ""
	}
	return string(b)
}
