package normalize

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/net/html"
)

// Address trims and lowercases an email address. Empty input yields "".
func Address(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Domain returns the part of an address after the last '@', lowercased.
// Returns "" when the address contains no '@'.
func Domain(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(address[idx+1:])
}

// replyPrefixes are the reply/forward markers stripped from subjects,
// matched case-insensitively.
var replyPrefixes = []string{"re:", "fw:", "fwd:"}

// Subject strips leading reply/forward markers ("Re:", "Fw:", "Fwd:",
// case-insensitive, repeated) and collapses internal whitespace runs to
// single spaces. "Re: Fwd: Re: hello" becomes "hello".
func Subject(raw string) string {
	s := strings.TrimSpace(raw)
	for {
		stripped := stripOnePrefix(s)
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.Join(strings.Fields(s), " ")
}

// stripOnePrefix removes at most one leading reply/forward marker.
// Each call either strictly shortens the string or returns it unchanged,
// so the loop in Subject always terminates.
func stripOnePrefix(s string) string {
	lower := strings.ToLower(s)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSpace(s[len(p):])
		}
	}
	return s
}

// timestampLayouts are the accepted string timestamp formats, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp parses a raw timestamp string. Digit-only input is treated as a
// Unix epoch (milliseconds when larger than 1e12, seconds otherwise).
// Returns ok=false for input that matches no accepted form; it never panics
// or returns an error, so callers can skip unparseable messages.
func Timestamp(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n <= 0 {
			return time.Time{}, false
		}
		if n > 1_000_000_000_000 {
			return time.UnixMilli(n).UTC(), true
		}
		return time.Unix(n, 0).UTC(), true
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// StableHash returns a deterministic hex digest of the input, stable across
// runs and platforms. Used to build fallback thread keys; not a security
// boundary.
func StableHash(input string) string {
	sum := blake3.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// Participants returns the deduplicated union of sender, recipient, and cc
// addresses, each normalized, sorted ascending. Empty addresses are dropped.
func Participants(sender string, recipients, cc []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(raw string) {
		addr := Address(raw)
		if addr == "" {
			return
		}
		if _, ok := seen[addr]; ok {
			return
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}

	add(sender)
	for _, r := range recipients {
		add(r)
	}
	for _, c := range cc {
		add(c)
	}

	sort.Strings(out)
	return out
}

// StripTags extracts the text content of an HTML fragment, collapsing
// whitespace. Plain text passes through unchanged apart from whitespace
// normalization. Some providers send snippet previews as HTML.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}

	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.WriteString(tok.Token().Data)
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
