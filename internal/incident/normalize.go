package incident

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Truncation bounds applied before hashing. Bounding input length keeps
// unbounded messages from dominating the hash and makes similar-but-longer
// messages collapse once truncated consistently.
const (
	maxTitleLen     = 100
	maxMessageLen   = 200
	maxStackLen     = 500
	maxComponentLen = 300
)

// Volatile fragments replaced with placeholders before hashing.
// Example stack line: "at fetchUser (https://app.example.com/static/js/main.8f3ab2c1.js:1412:88)"
var (
	lineColRe = regexp.MustCompile(`:\d+:\d+\b`)
	lineRe    = regexp.MustCompile(`:\d+\b`)
	uuidRe    = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	isoTimeRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	hexRunRe  = regexp.MustCompile(`\b[0-9a-f]{8,}\b`)
	pathRe    = regexp.MustCompile(`(?:[A-Za-z]:)?(?:[\\/][\w@.~-]+){2,}`)
	wsRe      = regexp.MustCompile(`\s+`)
)

// Dynamic URL query parameters that never contribute identity.
var dynamicParams = map[string]bool{
	"t":         true,
	"ts":        true,
	"time":      true,
	"timestamp": true,
	"session":   true,
	"sid":       true,
	"id":        true,
	"uid":       true,
	"user_id":   true,
	"token":     true,
	"auth":      true,
	"key":       true,
	"cache":     true,
	"cb":        true,
	"nonce":     true,
	"rand":      true,
	"random":    true,
	"v":         true,
	"version":   true,
}

// numericSegmentRe matches purely numeric URL path segments.
var numericSegmentRe = regexp.MustCompile(`^\d+$`)

// errorTypeRe extracts XxxError / XxxException tokens from messages or
// stack traces. Example: "TypeError: cannot read properties of undefined"
var errorTypeRe = regexp.MustCompile(`\b([A-Z][A-Za-z]*(?:Error|Exception))\b`)

// identifierRe recognizes a bare identifier usable as a type fallback.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// normalizeText lowercases and bounds free text for hashing.
func normalizeText(s string, max int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = wsRe.ReplaceAllString(s, " ")
	return truncate(s, max)
}

// normalizeStack strips volatile fragments from a stack trace so that
// recompiles, redeploys, and shifted line numbers do not change identity.
func normalizeStack(stack string, max int) string {
	if stack == "" {
		return ""
	}
	s := uuidRe.ReplaceAllString(stack, "<uuid>")
	s = isoTimeRe.ReplaceAllString(s, "<time>")
	s = lineColRe.ReplaceAllString(s, ":<pos>")
	s = lineRe.ReplaceAllString(s, ":<pos>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = hexRunRe.ReplaceAllString(s, "<hex>")
	s = wsRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return truncate(s, max)
}

// normalizeURL strips dynamic query parameters and replaces UUID-shaped
// and purely numeric path segments with placeholders.
func normalizeURL(raw string) string {
	if raw == "" {
		return ""
	}

	s := raw
	var query string
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s, query = s[:i], s[i+1:]
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		s = s[:i]
	}

	// Path segments.
	parts := strings.Split(s, "/")
	for i, p := range parts {
		switch {
		case uuidRe.MatchString(p):
			parts[i] = "<uuid>"
		case numericSegmentRe.MatchString(p):
			parts[i] = "<id>"
		}
	}
	s = strings.Join(parts, "/")

	// Stable query parameters only, sorted by strings.Join order below.
	if query != "" {
		var kept []string
		for _, pair := range strings.Split(query, "&") {
			name := pair
			if j := strings.IndexByte(pair, '='); j >= 0 {
				name = pair[:j]
			}
			if !dynamicParams[strings.ToLower(name)] {
				kept = append(kept, name)
			}
		}
		if len(kept) > 0 {
			sort.Strings(kept)
			s += "?" + strings.Join(kept, "&")
		}
	}

	return strings.ToLower(s)
}

// extractErrorType pulls a short error-type token from message or stack:
// an XxxError/XxxException match, else the first word of the message when
// it looks like an identifier, else "Unknown".
func extractErrorType(message, stack string) string {
	if m := errorTypeRe.FindStringSubmatch(message); len(m) >= 2 {
		return m[1]
	}
	if m := errorTypeRe.FindStringSubmatch(stack); len(m) >= 2 {
		return m[1]
	}
	if fields := strings.Fields(message); len(fields) > 0 {
		first := strings.TrimRight(fields[0], ":")
		if identifierRe.MatchString(first) {
			return first
		}
	}
	return "Unknown"
}

// truncate bounds s to max bytes, backing up to a rune boundary so the
// composite key stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
