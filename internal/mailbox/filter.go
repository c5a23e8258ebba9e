package mailbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tracyhatemice/mailnotify/internal/preview"
)

// Filter discards bulk mail, no-reply senders and auto-replies. Patterns are
// matched against the sender, the subject and the body text.
type Filter struct {
	patterns []*regexp.Regexp
	body     *preview.Extractor
}

// NewFilter compiles case-insensitive patterns.
func NewFilter(patterns []string) (*Filter, error) {
	f := &Filter{body: preview.NewExtractor(preview.DefaultMaxLength)}
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compile filter %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match reports whether d should be discarded and why.
func (f *Filter) Match(d Descriptor) (string, bool) {
	if f == nil {
		return "", false
	}
	if reason, ok := autoResponse(d.Auto); ok {
		return reason, true
	}
	text := d.Sender + " " + d.Subject
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return "pattern " + re.String()[4:], true
		}
	}
	if len(d.Raw) == 0 || len(f.patterns) == 0 || f.body == nil {
		return "", false
	}
	body := f.body.Text(d.Raw)
	for _, re := range f.patterns {
		if re.MatchString(body) {
			return "body pattern " + re.String()[4:], true
		}
	}
	return "", false
}

func autoResponse(h map[string]string) (string, bool) {
	if v, ok := h["auto-submitted"]; ok && !strings.EqualFold(v, "no") {
		return "auto-submitted: " + v, true
	}
	switch strings.ToLower(h["precedence"]) {
	case "bulk", "junk", "list", "auto_reply":
		return "precedence: " + h["precedence"], true
	}
	if _, ok := h["x-autoreply"]; ok {
		return "x-autoreply", true
	}
	if _, ok := h["x-autorespond"]; ok {
		return "x-autorespond", true
	}
	return "", false
}
