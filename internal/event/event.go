// Package event defines the core data model for alertpipe telemetry events.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Level indicates the ordinal severity of an event.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to a Level, defaulting to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Event represents one observed occurrence: an error, warning, or
// informational signal raised by application code.
type Event struct {
	ID        string
	Level     Level
	Category  string
	Message   string
	Timestamp time.Time
	// Context carries auxiliary data (stack trace, URL, user info,
	// response previews). It is redacted before leaving the process.
	Context map[string]any
	// Critical events bypass rate limiting and force an immediate flush.
	Critical bool
	// IncidentHash groups recurring occurrences of the same failure.
	// Derived, never author-supplied; empty until classified.
	IncidentHash string
}

// New creates an Event with a generated UUID and the current time.
func New(level Level, category, message string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Level:     level,
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]any),
	}
}

// StringContext returns the context value for key if it is a string.
func (e *Event) StringContext(key string) string {
	if e.Context == nil {
		return ""
	}
	s, _ := e.Context[key].(string)
	return s
}
