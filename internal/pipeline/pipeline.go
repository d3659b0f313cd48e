// Package pipeline wires the telemetry components into one injectable
// service: event store, incident classification, redaction, rate
// limiting, batching, and transport.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/geraldohisao/alertpipe/internal/archive"
	"github.com/geraldohisao/alertpipe/internal/batch"
	"github.com/geraldohisao/alertpipe/internal/buffer"
	"github.com/geraldohisao/alertpipe/internal/config"
	"github.com/geraldohisao/alertpipe/internal/event"
	"github.com/geraldohisao/alertpipe/internal/incident"
	"github.com/geraldohisao/alertpipe/internal/ratelimit"
	"github.com/geraldohisao/alertpipe/internal/redact"
	"github.com/geraldohisao/alertpipe/internal/transport"
)

// Service is the telemetry pipeline. Construct with New, start producers
// after that, and call Shutdown to run the final best-effort flush.
// All methods are safe for concurrent use and never panic the host.
type Service struct {
	cfg        *config.Config
	store      *buffer.Store
	classifier *incident.Classifier
	sanitizer  *redact.Sanitizer
	limiter    *ratelimit.Limiter
	queue      *batch.Queue
	journal    *archive.DB
	minLevel   event.Level

	sanitizeAlerts atomic.Uint64
	closed         atomic.Bool
}

type options struct {
	journal *archive.DB
	sender  batch.Sender
}

// Option configures a Service.
type Option func(*options)

// WithJournal attaches a delivery journal. The pipeline records terminal
// outcomes there best-effort; it never blocks delivery.
func WithJournal(db *archive.DB) Option {
	return func(o *options) { o.journal = db }
}

// WithSender overrides the transport gateway, mainly for tests.
func WithSender(s batch.Sender) Option {
	return func(o *options) { o.sender = s }
}

// New builds a Service from cfg.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		cfg:        cfg,
		store:      buffer.New(cfg.Buffer.Capacity),
		classifier: incident.New(cfg.App.Version),
		limiter: ratelimit.New(
			cfg.RateLimit.Tokens,
			cfg.RateLimit.Window.Duration,
			cfg.RateLimit.MaxKeys,
		),
		journal:  o.journal,
		minLevel: event.ParseLevel(cfg.Alert.MinLevel),
	}

	s.sanitizer = redact.New(redact.WithAuditHook(func(field string) {
		s.sanitizeAlerts.Add(1)
		slog.Debug("sanitization changed outbound payload", "field", field)
	}))

	sender := o.sender
	if sender == nil {
		sender = transport.New(transport.Options{
			Endpoint: cfg.Alert.Endpoint,
			Timeout:  cfg.Alert.Timeout.Duration,
			Gzip:     cfg.Alert.Gzip,
			Version:  cfg.App.Version,
		})
	}

	s.queue = batch.New(batch.Options{
		MaxItems:    cfg.Batch.MaxItems,
		MaxBytes:    cfg.Batch.MaxBytes,
		IdleTimeout: cfg.Batch.IdleTimeout.Duration,
		RetryLimit:  cfg.Retry.Limit,
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxJitter:   cfg.Retry.MaxJitter.Duration,
		OnOutcome:   s.recordOutcome,
	}, sender)

	return s, nil
}

// Start runs startup housekeeping: journal retention purge and a startup
// log line.
func (s *Service) Start(ctx context.Context) error {
	if s.journal != nil && s.cfg.Archive.Retention.Duration > 0 {
		purged, err := s.journal.Purge(s.cfg.Archive.Retention.Duration)
		if err != nil {
			slog.Warn("failed to purge delivery journal", "error", err)
		} else if purged > 0 {
			slog.Info("purged old delivery records",
				"count", purged,
				"retention", s.cfg.Archive.Retention.Duration,
			)
		}
	}

	slog.Info("telemetry pipeline started",
		"environment", s.cfg.App.Environment,
		"version", s.cfg.App.Version,
		"buffer_capacity", s.cfg.Buffer.Capacity,
		"alert_endpoint", s.cfg.Alert.Endpoint != "",
	)
	return nil
}

// Shutdown stops accepting events and runs a best-effort final flush
// bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	res := s.queue.Close(ctx)
	if res.Sent > 0 || res.Failed > 0 {
		slog.Info("final flush", "sent", res.Sent, "failed", res.Failed)
	}

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Warn("closing delivery journal", "error", err)
		}
	}

	slog.Info("telemetry pipeline stopped",
		"delivered", s.queue.TotalSent(),
		"dropped", s.queue.TotalDropped(),
		"rate_limited", s.limiter.Rejected(),
	)
}

// Report records ev in the event store and, for alert-worthy events,
// pushes a sanitized payload into the delivery path. It never returns an
// error and never panics: this subsystem is itself the error-reporting
// path and must not take the host down with it.
func (s *Service) Report(ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("telemetry report failed", "panic", r)
		}
	}()

	if s.closed.Load() {
		return
	}

	ev = s.store.Log(ev)

	if !s.alertWorthy(ev) {
		return
	}
	if s.cfg.Alert.Endpoint == "" {
		slog.Debug("alert endpoint not configured, skipping delivery")
		return
	}

	payload := s.buildPayload(ev)

	// Hash is always 12 hex chars, even for an empty signature.
	key := payload.IncidentHash
	if !s.limiter.Allow(key, ev.Critical) {
		slog.Debug("alert rate limited", "incident", key)
		s.recordJournal(archive.Outcome{
			EventID:      ev.ID,
			IncidentHash: payload.IncidentHash,
			Level:        ev.Level.String(),
			Category:     ev.Category,
			Title:        payload.Title,
			Status:       "rate_limited",
		})
		return
	}

	s.queue.Enqueue(payload, ev.Critical)
}

// Error reports an error-level event with optional context.
func (s *Service) Error(category, message string, ctx map[string]any) {
	s.Report(event.Event{
		Level:    event.LevelError,
		Category: category,
		Message:  message,
		Context:  ctx,
	})
}

// Critical reports a critical event: it bypasses rate limiting and forces
// an immediate flush.
func (s *Service) Critical(category, message string, ctx map[string]any) {
	s.Report(event.Event{
		Level:    event.LevelCritical,
		Category: category,
		Message:  message,
		Context:  ctx,
		Critical: true,
	})
}

// Events returns a snapshot of the in-memory event log.
func (s *Service) Events() []event.Event {
	return s.store.Events()
}

// EventCount returns the number of buffered events.
func (s *Service) EventCount() int {
	return s.store.Count()
}

// Clear wipes the in-memory event log. Pending deliveries are unaffected.
func (s *Service) Clear() {
	s.store.Clear()
}

// Subscribe registers an observer of the event log, e.g. a debug UI.
func (s *Service) Subscribe(fn func([]event.Event)) (unsubscribe func()) {
	return s.store.Subscribe(fn)
}

// Flush forces delivery of the pending batch and reports the aggregate
// outcome.
func (s *Service) Flush(ctx context.Context) transport.Result {
	return s.queue.Flush(ctx)
}

// SanitizeAlerts returns how many times sanitization changed an outbound
// payload, for security auditing.
func (s *Service) SanitizeAlerts() uint64 {
	return s.sanitizeAlerts.Load()
}

// RateLimited returns how many alerts were dropped by the rate limiter.
func (s *Service) RateLimited() uint64 {
	return s.limiter.Rejected()
}

// alertWorthy reports whether ev should enter the delivery path.
func (s *Service) alertWorthy(ev event.Event) bool {
	return ev.Critical || ev.Level >= s.minLevel
}

// buildPayload sanitizes ev and derives its incident hash. Sanitization
// runs before hashing so the hash never sees raw secrets; a sanitization
// panic propagates to Report's recover, so a raw event is never forwarded.
func (s *Service) buildPayload(ev event.Event) transport.Payload {
	data := s.sanitizer.SanitizeErrorData(redact.ErrorData{
		Title:   ev.StringContext("title"),
		Message: ev.Message,
		Stack:   ev.StringContext("stack"),
		URL:     ev.StringContext("url"),
		Context: ev.Context,
	})

	hash := s.classifier.Hash(incident.Data{
		Title:          data.Title,
		Message:        data.Message,
		Stack:          data.Stack,
		URL:            data.URL,
		ComponentStack: ev.StringContext("componentStack"),
		Context:        ev.Context,
	})

	title := data.Title
	if title == "" {
		title = firstLine(data.Message)
	}

	ctx := data.Context
	if ctx != nil {
		// Fields promoted into the payload don't repeat in context.
		delete(ctx, "stack")
		delete(ctx, "url")
		delete(ctx, "title")
	}

	return transport.Payload{
		EventID:      ev.ID,
		Title:        title,
		Message:      data.Message,
		Level:        ev.Level.String(),
		Category:     ev.Category,
		Timestamp:    ev.Timestamp,
		IncidentHash: hash,
		Sanitized:    true,
		Context:      ctx,
		URL:          data.URL,
		UserAgent:    s.cfg.App.UserAgent,
		Environment:  s.cfg.App.Environment,
	}
}

// recordOutcome journals a terminal delivery outcome from the batch queue.
func (s *Service) recordOutcome(item batch.Item) {
	s.recordJournal(archive.Outcome{
		EventID:      item.Payload.EventID,
		IncidentHash: item.Payload.IncidentHash,
		Level:        item.Payload.Level,
		Category:     item.Payload.Category,
		Title:        item.Payload.Title,
		Status:       item.Status.String(),
		Attempts:     item.Attempts,
		Timestamp:    time.Now(),
	})
}

func (s *Service) recordJournal(o archive.Outcome) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(o); err != nil {
		slog.Warn("recording delivery outcome", "error", err)
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}
