// Package redact removes secrets and PII from text and structured data
// before it leaves the process.
package redact

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// DefaultMaxDepth bounds object recursion; deeper subtrees collapse to
// DepthMarker rather than being traversed.
const DefaultMaxDepth = 3

// AuditFunc is invoked when sanitization changed a payload, with the name
// of the field that changed. Used for security audit logging.
type AuditFunc func(field string)

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithAuditHook sets a callback fired whenever sanitization alters input.
func WithAuditHook(fn AuditFunc) Option {
	return func(s *Sanitizer) { s.audit = fn }
}

// WithMaxDepth overrides the object recursion bound. Default: 3.
func WithMaxDepth(d int) Option {
	return func(s *Sanitizer) { s.maxDepth = d }
}

// Sanitizer applies the fixed redaction pattern set. Safe for concurrent
// use; it holds no mutable state after construction.
type Sanitizer struct {
	maxDepth int
	audit    AuditFunc
}

// New creates a Sanitizer.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SanitizeString replaces every secret-pattern match in text with Marker.
// Idempotent: sanitizing already-sanitized text is a no-op. Fails closed:
// if pattern application panics, the whole string is replaced.
func (s *Sanitizer) SanitizeString(text string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("sanitizer failed closed", "panic", r)
			out = Marker
		}
	}()

	out = text
	for _, re := range assignmentPatterns {
		out = re.ReplaceAllString(out, "${1}="+Marker)
	}
	for _, re := range secretPatterns {
		out = re.ReplaceAllString(out, Marker)
	}
	if out != text && s.audit != nil {
		s.audit("string")
	}
	return out
}

// SanitizeObject walks v to the depth bound, redacting string values and
// replacing any value whose key name looks sensitive. Returns a sanitized
// copy; the input is never mutated.
func (s *Sanitizer) SanitizeObject(v any) any {
	return s.sanitizeValue(v, s.maxDepth)
}

func (s *Sanitizer) sanitizeValue(v any, depth int) any {
	if depth < 0 {
		return DepthMarker
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return s.SanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKey(k) {
				out[k] = Marker
				if s.audit != nil {
					s.audit(k)
				}
				continue
			}
			out[k] = s.sanitizeValue(inner, depth-1)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = s.sanitizeValue(inner, depth-1)
		}
		return out
	case bool, int, int32, int64, float32, float64:
		return val
	default:
		// Unknown shapes are stringified then sanitized, so exotic
		// types can never smuggle raw secrets past the patterns.
		return s.SanitizeString(fmt.Sprintf("%v", val))
	}
}

// SanitizeURL strips sensitive query parameters and redacts the rest of
// the URL text. Unparseable URLs are treated as plain strings.
func (s *Sanitizer) SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return s.SanitizeString(raw)
	}

	q := u.Query()
	changed := false
	for name := range q {
		if sensitiveQueryParams[strings.ToLower(name)] {
			q.Del(name)
			changed = true
		}
	}
	u.RawQuery = q.Encode()
	u.User = nil

	out := s.SanitizeString(u.String())
	if changed && s.audit != nil {
		s.audit("url")
	}
	return out
}

// ErrorData is the shape handed to SanitizeErrorData: the fields of an
// error report that may carry user input.
type ErrorData struct {
	Title   string
	Message string
	Stack   string
	URL     string
	Context map[string]any
	User    map[string]any
}

// SanitizeErrorData sanitizes each field of d independently and returns
// the same-shaped record.
func (s *Sanitizer) SanitizeErrorData(d ErrorData) ErrorData {
	out := ErrorData{
		Title:   s.SanitizeString(d.Title),
		Message: s.SanitizeString(d.Message),
		Stack:   s.SanitizeString(d.Stack),
		URL:     s.SanitizeURL(d.URL),
	}
	if d.Context != nil {
		out.Context, _ = s.sanitizeValue(d.Context, s.maxDepth).(map[string]any)
	}
	if d.User != nil {
		out.User, _ = s.sanitizeValue(d.User, s.maxDepth).(map[string]any)
	}
	return out
}

// sensitiveKey reports whether an object key name signals a secret.
func sensitiveKey(k string) bool {
	lower := strings.ToLower(k)
	for _, name := range sensitiveFieldNames {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}
