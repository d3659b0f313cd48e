package batch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/geraldohisao/alertpipe/internal/transport"
)

// fakeSender records every batch it receives and answers with a scripted
// result.
type fakeSender struct {
	mu      sync.Mutex
	batches [][]transport.Payload
	respond func(batch []transport.Payload) transport.Result
	block   chan struct{} // when set, Send waits for close or ctx
}

func (f *fakeSender) Send(ctx context.Context, batch []transport.Payload) transport.Result {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			f.record(batch)
			return transport.Result{Failed: len(batch), Errors: []string{ctx.Err().Error()}}
		}
	}
	f.record(batch)
	if f.respond != nil {
		return f.respond(batch)
	}
	return transport.Result{Sent: len(batch)}
}

func (f *fakeSender) record(batch []transport.Payload) {
	f.mu.Lock()
	f.batches = append(f.batches, batch)
	f.mu.Unlock()
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func payload(i int) transport.Payload {
	return transport.Payload{
		Title:        fmt.Sprintf("error %d", i),
		Message:      "boom",
		Level:        "error",
		IncidentHash: "abc123def456",
		Sanitized:    true,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func quietOpts() Options {
	// Long idle timeout so only explicit triggers flush.
	return Options{
		MaxItems:    100,
		MaxBytes:    1 << 20,
		IdleTimeout: time.Hour,
		RetryLimit:  3,
		BaseDelay:   5 * time.Millisecond,
	}
}

func TestFlushDeliversPending(t *testing.T) {
	sender := &fakeSender{}
	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	q.Enqueue(payload(2), false)

	res := q.Flush(context.Background())
	if res.Sent != 2 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 sent", res)
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d after flush, want 0", q.Pending())
	}
	if sender.calls() != 1 {
		t.Errorf("sender calls = %d, want 1", sender.calls())
	}
}

func TestMaxItemsTriggersImmediateFlush(t *testing.T) {
	sender := &fakeSender{}
	opts := quietOpts()
	opts.MaxItems = 3
	q := New(opts, sender)

	for i := 0; i < 3; i++ {
		q.Enqueue(payload(i), false)
	}

	waitFor(t, time.Second, func() bool { return sender.calls() == 1 },
		"reaching max items should flush without waiting for the idle timeout")
}

func TestMaxBytesTriggersImmediateFlush(t *testing.T) {
	sender := &fakeSender{}
	opts := quietOpts()
	opts.MaxBytes = 100
	q := New(opts, sender)

	q.Enqueue(payload(1), false)
	q.Enqueue(payload(2), false)

	waitFor(t, time.Second, func() bool { return sender.calls() >= 1 },
		"reaching max bytes should flush without waiting for the idle timeout")
}

func TestCriticalTriggersImmediateFlush(t *testing.T) {
	sender := &fakeSender{}
	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	q.Enqueue(transport.Payload{Title: "fatal", Level: "critical"}, true)

	waitFor(t, time.Second, func() bool { return sender.calls() == 1 },
		"a critical item should flush immediately")

	sender.mu.Lock()
	n := len(sender.batches[0])
	sender.mu.Unlock()
	if n != 2 {
		t.Errorf("flushed batch size = %d, want 2 (critical flushes everything)", n)
	}
}

func TestIdleTimeoutFlush(t *testing.T) {
	sender := &fakeSender{}
	opts := quietOpts()
	opts.IdleTimeout = 20 * time.Millisecond
	q := New(opts, sender)

	q.Enqueue(payload(1), false)

	waitFor(t, time.Second, func() bool { return sender.calls() == 1 },
		"idle timeout should flush the batch")
}

func TestRetryTermination(t *testing.T) {
	sender := &fakeSender{
		respond: func(batch []transport.Payload) transport.Result {
			return transport.Result{Failed: len(batch), Errors: []string{"sink down"}}
		},
	}
	opts := quietOpts()
	opts.IdleTimeout = 10 * time.Millisecond
	opts.RetryLimit = 3

	var outcomes []Item
	var outcomeMu sync.Mutex
	opts.OnOutcome = func(item Item) {
		outcomeMu.Lock()
		outcomes = append(outcomes, item)
		outcomeMu.Unlock()
	}
	q := New(opts, sender)

	q.Enqueue(payload(1), false)

	waitFor(t, 3*time.Second, func() bool { return q.TotalDropped() == 1 },
		"item should be dropped after exhausting retries")

	if got := sender.calls(); got != 3 {
		t.Errorf("send attempts = %d, want exactly %d", got, 3)
	}

	outcomeMu.Lock()
	defer outcomeMu.Unlock()
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d, want 1", len(outcomes))
	}
	if outcomes[0].Status != StatusDropped {
		t.Errorf("outcome status = %v, want dropped", outcomes[0].Status)
	}
	if outcomes[0].Attempts != 3 {
		t.Errorf("outcome attempts = %d, want 3", outcomes[0].Attempts)
	}

	// No further attempts arrive after the drop.
	time.Sleep(100 * time.Millisecond)
	if got := sender.calls(); got != 3 {
		t.Errorf("send attempts after drop = %d, want 3", got)
	}
}

func TestPartialSuccessRetriesRemainder(t *testing.T) {
	sender := &fakeSender{
		respond: func(batch []transport.Payload) transport.Result {
			// First call accepts one item; later calls accept all.
			return transport.Result{Sent: 1, Failed: len(batch) - 1}
		},
	}
	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	q.Enqueue(payload(2), false)
	q.Enqueue(payload(3), false)

	res := q.Flush(context.Background())
	if res.Sent != 1 || res.Failed != 2 {
		t.Errorf("result = %+v, want sent=1 failed=2", res)
	}

	// The two failures come back for the next flush.
	waitFor(t, time.Second, func() bool { return q.Pending() == 2 },
		"failed items should re-enter the queue")
}

func TestFlushErrorListOnDrop(t *testing.T) {
	sender := &fakeSender{
		respond: func(batch []transport.Payload) transport.Result {
			return transport.Result{Failed: len(batch), Errors: []string{"sink down"}}
		},
	}
	opts := quietOpts()
	opts.RetryLimit = 1
	q := New(opts, sender)

	q.Enqueue(payload(1), false)
	res := q.Flush(context.Background())

	if res.Failed != 1 {
		t.Errorf("failed = %d, want 1", res.Failed)
	}
	found := false
	for _, e := range res.Errors {
		if strings.Contains(e, "dropping item") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors should record the drop, got %v", res.Errors)
	}
	if q.TotalDropped() != 1 {
		t.Errorf("TotalDropped = %d, want 1", q.TotalDropped())
	}
}

func TestNewFlushCancelsInFlightSend(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{block: release}
	defer close(release)

	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	done := make(chan transport.Result, 1)
	go func() { done <- q.Flush(context.Background()) }()

	waitFor(t, time.Second, func() bool { return q.Pending() == 0 },
		"first flush should have snapshotted the queue")

	// The second flush supersedes the blocked one.
	q.Enqueue(payload(2), false)
	go q.Flush(context.Background())

	select {
	case res := <-done:
		if res.Failed != 1 {
			t.Errorf("superseded flush result = %+v, want 1 failed", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("superseded flush never returned; cancellation did not propagate")
	}
}

func TestClearDropsPending(t *testing.T) {
	sender := &fakeSender{}
	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	q.Clear()

	if q.Pending() != 0 {
		t.Errorf("pending = %d after Clear, want 0", q.Pending())
	}
	res := q.Flush(context.Background())
	if res.Sent != 0 || sender.calls() != 0 {
		t.Error("cleared items must not be delivered")
	}
}

func TestCloseFlushesRemainder(t *testing.T) {
	sender := &fakeSender{}
	q := New(quietOpts(), sender)

	q.Enqueue(payload(1), false)
	q.Enqueue(payload(2), false)

	res := q.Close(context.Background())
	if res.Sent != 2 {
		t.Errorf("close result = %+v, want 2 sent", res)
	}

	// Enqueue after close is a silent drop.
	q.Enqueue(payload(3), false)
	if q.Pending() != 0 {
		t.Error("enqueue after close should not queue")
	}
}

func TestEmptyFlushIsNoop(t *testing.T) {
	sender := &fakeSender{}
	q := New(quietOpts(), sender)
	res := q.Flush(context.Background())
	if res.Sent != 0 || res.Failed != 0 || sender.calls() != 0 {
		t.Errorf("empty flush should not touch the sender, got %+v", res)
	}
}
