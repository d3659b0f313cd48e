// Package batch aggregates sanitized alert payloads and delivers them in
// batches with retry, backoff, and cancellation of superseded flushes.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geraldohisao/alertpipe/internal/transport"
)

// Status tracks an item through the delivery state machine:
// Pending -> Sending -> {Sent | Retrying -> Sending | Dropped}.
type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusSent
	StatusRetrying
	StatusDropped
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusRetrying:
		return "retrying"
	case StatusDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Item wraps a payload with delivery bookkeeping.
type Item struct {
	Payload     transport.Payload
	Critical    bool
	Attempts    int
	LastAttempt time.Time
	Status      Status
	size        int
}

// Sender delivers one batch. Satisfied by *transport.Gateway.
type Sender interface {
	Send(ctx context.Context, batch []transport.Payload) transport.Result
}

// Options configures a Queue.
type Options struct {
	MaxItems    int
	MaxBytes    int
	IdleTimeout time.Duration
	RetryLimit  int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
	// OnOutcome, when set, observes every item reaching a terminal
	// status (Sent or Dropped). Called outside the queue's lock.
	OnOutcome func(Item)
}

// Queue buffers payloads until a flush trigger fires: item count, byte
// size, a critical item, or the idle timeout. Failed items re-enter the
// queue with exponential backoff until the retry limit. Safe for
// concurrent use; Enqueue never blocks on delivery.
type Queue struct {
	opts   Options
	sender Sender

	mu           sync.Mutex
	pending      []*Item
	pendingBytes int
	timer        *time.Timer
	cancelFlight context.CancelFunc
	flightGen    uint64
	retries      map[*Item]*time.Timer
	closed       bool

	wg sync.WaitGroup // flush goroutines triggered by Enqueue

	totalSent    atomic.Uint64
	totalDropped atomic.Uint64
}

// New creates a Queue delivering through sender.
func New(opts Options, sender Sender) *Queue {
	if opts.MaxItems < 1 {
		opts.MaxItems = 10
	}
	if opts.MaxBytes < 1 {
		opts.MaxBytes = 64 * 1024
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Second
	}
	if opts.RetryLimit < 1 {
		opts.RetryLimit = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	return &Queue{
		opts:    opts,
		sender:  sender,
		retries: make(map[*Item]*time.Timer),
	}
}

// Enqueue adds p to the current batch. When a flush trigger fires the
// flush runs asynchronously; delivery failures never surface here.
func (q *Queue) Enqueue(p transport.Payload, critical bool) {
	size := payloadSize(p)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		slog.Debug("enqueue after close, dropping", "incident", p.IncidentHash)
		return
	}
	q.pending = append(q.pending, &Item{
		Payload:  p,
		Critical: critical,
		Status:   StatusPending,
		size:     size,
	})
	q.pendingBytes += size

	trigger := len(q.pending) >= q.opts.MaxItems ||
		q.pendingBytes >= q.opts.MaxBytes ||
		critical

	if trigger {
		q.mu.Unlock()
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.Flush(context.Background())
		}()
		return
	}

	// Debounced idle flush: only one pending timer at a time.
	if q.timer == nil {
		q.timer = time.AfterFunc(q.opts.IdleTimeout, func() {
			q.Flush(context.Background())
		})
	}
	q.mu.Unlock()
}

// Flush snapshots and clears the queue, cancels any prior in-flight send,
// and delivers the snapshot. Items that fail are scheduled for retry with
// exponential backoff plus jitter, or dropped once the retry limit is
// reached. Partial failure is reported in the aggregate result, never as
// an error.
//
// A cancelled in-flight send counts as failed and its items are retried;
// if the cancelled request had already reached the sink, the retry can
// deliver those items a second time. The sink must tolerate duplicates.
func (q *Queue) Flush(ctx context.Context) transport.Result {
	q.mu.Lock()
	items := q.pending
	q.pending = nil
	q.pendingBytes = 0
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	// A new flush supersedes the in-flight send; its result is discarded.
	if q.cancelFlight != nil {
		q.cancelFlight()
	}
	sendCtx, cancel := context.WithCancel(ctx)
	q.cancelFlight = cancel
	q.flightGen++
	gen := q.flightGen
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		if q.flightGen == gen {
			q.cancelFlight = nil
		}
		q.mu.Unlock()
		cancel()
	}()

	if len(items) == 0 {
		return transport.Result{}
	}

	now := time.Now()
	payloads := make([]transport.Payload, len(items))
	for i, item := range items {
		item.Status = StatusSending
		item.Attempts++
		item.LastAttempt = now
		payloads[i] = item.Payload
	}

	res := q.sender.Send(sendCtx, payloads)

	// The sink reports how many it accepted; without per-item detail the
	// first res.Sent items are considered delivered.
	out := transport.Result{Sent: res.Sent, Errors: res.Errors}
	for i, item := range items {
		if i < res.Sent {
			item.Status = StatusSent
			q.totalSent.Add(1)
			q.notify(*item)
			continue
		}

		out.Failed++
		if item.Attempts >= q.opts.RetryLimit {
			item.Status = StatusDropped
			q.totalDropped.Add(1)
			out.Errors = append(out.Errors, fmt.Sprintf(
				"dropping item for incident %s after %d attempts",
				item.Payload.IncidentHash, item.Attempts))
			slog.Warn("alert dropped after retry limit",
				"incident", item.Payload.IncidentHash,
				"attempts", item.Attempts,
			)
			q.notify(*item)
			continue
		}

		item.Status = StatusRetrying
		delay := q.backoff(item.Attempts)
		slog.Debug("scheduling alert retry",
			"incident", item.Payload.IncidentHash,
			"attempt", item.Attempts,
			"delay", delay,
		)
		q.scheduleRetry(item, delay)
	}

	return out
}

// Clear drops all pending items without delivering them.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
	q.pendingBytes = 0
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// Close stops accepting new items, pulls waiting retries back into the
// queue, and runs a best-effort final flush bounded by ctx.
func (q *Queue) Close(ctx context.Context) transport.Result {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return transport.Result{}
	}
	q.closed = true
	// Retries still waiting on their backoff join the final flush.
	for item, timer := range q.retries {
		if timer.Stop() {
			item.Status = StatusPending
			q.pending = append(q.pending, item)
			q.pendingBytes += item.size
		}
		delete(q.retries, item)
	}
	q.mu.Unlock()

	q.wg.Wait()
	return q.Flush(ctx)
}

// Pending returns the number of queued items.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// TotalSent returns the count of items delivered over the queue lifetime.
func (q *Queue) TotalSent() uint64 { return q.totalSent.Load() }

// TotalDropped returns the count of items dropped after retry exhaustion.
func (q *Queue) TotalDropped() uint64 { return q.totalDropped.Load() }

// scheduleRetry re-enqueues item after delay, preserving its attempt
// count, and ensures an idle flush is pending so retries drain.
func (q *Queue) scheduleRetry(item *Item, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		// Shutdown already underway; the final flush takes it now.
		item.Status = StatusPending
		q.pending = append(q.pending, item)
		q.pendingBytes += item.size
		return
	}

	q.retries[item] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.retries, item)
		if q.closed {
			q.mu.Unlock()
			item.Status = StatusDropped
			q.totalDropped.Add(1)
			q.notify(*item)
			return
		}
		item.Status = StatusPending
		q.pending = append(q.pending, item)
		q.pendingBytes += item.size
		if q.timer == nil {
			q.timer = time.AfterFunc(q.opts.IdleTimeout, func() {
				q.Flush(context.Background())
			})
		}
		q.mu.Unlock()
	})
}

// backoff computes base * 2^(attempts-1) plus random jitter.
func (q *Queue) backoff(attempts int) time.Duration {
	d := q.opts.BaseDelay << uint(attempts-1)
	if q.opts.MaxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(q.opts.MaxJitter)))
	}
	return d
}

// notify reports a terminal item outcome to the observer, shielding the
// queue from observer panics.
func (q *Queue) notify(item Item) {
	if q.opts.OnOutcome == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("outcome observer panicked", "panic", r)
		}
	}()
	q.opts.OnOutcome(item)
}

// payloadSize approximates an item's serialized footprint for the
// byte-size flush trigger.
func payloadSize(p transport.Payload) int {
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}
