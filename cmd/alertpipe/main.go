// alertpipe runs the client-side telemetry pipeline as a standalone
// agent: events arrive as JSON lines on stdin, are logged to the bounded
// in-memory store, grouped into incidents, redacted, rate limited, and
// delivered in batches to the configured alert endpoint.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geraldohisao/alertpipe/internal/archive"
	"github.com/geraldohisao/alertpipe/internal/config"
	"github.com/geraldohisao/alertpipe/internal/event"
	"github.com/geraldohisao/alertpipe/internal/pipeline"
)

var version = "dev"

// inputEvent is one stdin JSON line.
type inputEvent struct {
	Level    string         `json:"level"`
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context"`
	Critical bool           `json:"critical"`
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	testAlert := flag.Bool("test-alert", false, "send a test alert and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("alertpipe", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.App.Version == "dev" && version != "dev" {
		cfg.App.Version = version
	}

	setupLogging(cfg.Log.Level)

	slog.Info("alertpipe starting",
		"version", version,
		"environment", cfg.App.Environment,
		"endpoint_configured", cfg.Alert.Endpoint != "",
	)

	if err := run(cfg, *testAlert); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, testAlert bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []pipeline.Option
	if cfg.Archive.Enabled {
		journal, err := archive.Open(cfg.DBPath())
		if err != nil {
			return fmt.Errorf("opening delivery journal: %w", err)
		}
		slog.Info("delivery journal opened", "path", cfg.DBPath())
		opts = append(opts, pipeline.WithJournal(journal))
	}

	svc, err := pipeline.New(cfg, opts...)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting pipeline: %w", err)
	}

	if testAlert {
		svc.Critical("manual", "alertpipe test alert", map[string]any{
			"source": "test-alert flag",
		})
		res := svc.Flush(ctx)
		shutdown(svc)
		if res.Failed > 0 {
			return fmt.Errorf("test alert failed: %v", res.Errors)
		}
		slog.Info("test alert delivered", "sent", res.Sent)
		return nil
	}

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Feed stdin events into the pipeline.
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("reading stdin", "error", err)
		}
	}()

	slog.Info("pipeline running, reading events from stdin")

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				slog.Info("stdin closed, shutting down")
				shutdown(svc)
				return nil
			}
			if line == "" {
				continue
			}

			var in inputEvent
			if err := json.Unmarshal([]byte(line), &in); err != nil {
				slog.Warn("skipping malformed event line", "error", err)
				continue
			}
			svc.Report(event.Event{
				Level:    event.ParseLevel(in.Level),
				Category: in.Category,
				Message:  in.Message,
				Context:  in.Context,
				Critical: in.Critical,
			})

		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			shutdown(svc)
			return nil
		}
	}
}

// shutdown runs the pipeline's final best-effort flush under a short
// deadline.
func shutdown(svc *pipeline.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Shutdown(ctx)
}

func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
