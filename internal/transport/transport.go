// Package transport delivers sanitized event batches to the remote alert
// sink. It is a stateless I/O boundary: retries are the batch queue's
// responsibility.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Payload is one sanitized event as the alert sink receives it.
type Payload struct {
	// EventID identifies the source event for local bookkeeping only;
	// it is never part of the wire payload.
	EventID      string         `json:"-"`
	Title        string         `json:"title"`
	Message      string         `json:"message"`
	Level        string         `json:"level"`
	Category     string         `json:"category"`
	Timestamp    time.Time      `json:"timestamp"`
	IncidentHash string         `json:"incidentHash"`
	Sanitized    bool           `json:"sanitized"`
	Context      map[string]any `json:"context,omitempty"`
	URL          string         `json:"url,omitempty"`
	UserAgent    string         `json:"userAgent,omitempty"`
	Environment  string         `json:"environment"`
}

// envelope is the request body: all payloads of one batch.
type envelope struct {
	Events    []Payload `json:"events"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// sinkResponse is the optional 2xx response body. Sent is a pointer so an
// explicit `{"sent": 0}` is distinguishable from an absent count.
type sinkResponse struct {
	Sent *int `json:"sent"`
}

// Result aggregates the outcome of one delivery attempt.
type Result struct {
	Sent   int
	Failed int
	Errors []string
}

// Options configures a Gateway.
type Options struct {
	Endpoint string
	Timeout  time.Duration
	Gzip     bool
	Version  string
}

// Gateway posts batches to the alert endpoint.
type Gateway struct {
	opts   Options
	client *http.Client
}

// New creates a Gateway. A zero timeout defaults to 15s.
func New(opts Options) *Gateway {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Gateway{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
	}
}

// Send serializes batch as one request and posts it. A non-2xx status or
// network error marks the entire batch failed with the captured error
// text; on 2xx the sent count is taken from the response when provided,
// defaulting to the batch length.
func (g *Gateway) Send(ctx context.Context, batch []Payload) Result {
	if len(batch) == 0 {
		return Result{}
	}

	body, err := json.Marshal(envelope{
		Events:    batch,
		Timestamp: time.Now(),
		Version:   g.opts.Version,
	})
	if err != nil {
		return failAll(batch, fmt.Sprintf("encoding batch: %v", err))
	}

	var buf bytes.Buffer
	if g.opts.Gzip {
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(body)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return failAll(batch, fmt.Sprintf("compressing batch: %v", err))
		}
	} else {
		buf.Write(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.opts.Endpoint, &buf)
	if err != nil {
		return failAll(batch, fmt.Sprintf("creating request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if g.opts.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return failAll(batch, fmt.Sprintf("sending batch: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return failAll(batch, fmt.Sprintf("alert sink returned status %d: %s", resp.StatusCode, preview))
	}

	sent := len(batch)
	var sr sinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err == nil && sr.Sent != nil && *sr.Sent >= 0 && *sr.Sent <= len(batch) {
		sent = *sr.Sent
	}

	return Result{Sent: sent, Failed: len(batch) - sent}
}

func failAll(batch []Payload, msg string) Result {
	return Result{Failed: len(batch), Errors: []string{msg}}
}
