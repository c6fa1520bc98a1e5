// Command tracepipe runs the capture pipeline as a local agent: it reads
// JSONL event records from stdin (the recording-engine adapter boundary),
// feeds them into the pipeline, and delivers batches to the configured
// collector. On SIGINT/SIGTERM it dispatches a last best-effort flush and
// shuts down cleanly.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tracepipe/internal/config"
	"tracepipe/internal/event"
	"tracepipe/internal/health"
	"tracepipe/internal/logging"
	"tracepipe/internal/pipeline"
)

// inputRecord is one stdin line.
type inputRecord struct {
	Kind      string          `json:"kind"`
	EventType string          `json:"eventType,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
	Message   string          `json:"message,omitempty"`
	Stack     string          `json:"stack,omitempty"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tracepipe: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config file")
	debugAddr := flag.String("debug-addr", "", "listen address for /metrics and /healthz (empty disables)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := logging.New(cfg.Logging, nil)

	p, err := pipeline.New(cfg, pipeline.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if *debugAddr != "" {
		go serveDebug(*debugAddr, p, cfg, logger)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		feed(p, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case <-done:
		logger.Info("input stream closed")
	}

	// Last-resort dispatch before teardown, then a proper final flush.
	p.FlushSync()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.Stop(shutdownCtx)
}

// feed forwards stdin JSONL records into the pipeline until EOF.
func feed(p *pipeline.Pipeline, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec inputRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("skipping malformed input line", "error", err)
			continue
		}

		switch rec.Kind {
		case "visual":
			p.CaptureVisual(rec.Payload)
		case "custom":
			p.CaptureCustom(rec.EventType, rec.Data)
		case "error":
			errType := event.ErrorType(rec.ErrorType)
			if errType != event.ErrorUnhandledRejection {
				errType = event.ErrorJavascript
			}
			p.CaptureError(errType, rec.Message, rec.Stack)
		case "hidden":
			p.NotifyHidden()
		default:
			logger.Warn("skipping record with unknown kind", "kind", rec.Kind)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("input stream error", "error", err)
	}
}

func serveDebug(addr string, p *pipeline.Pipeline, cfg config.Config, logger *slog.Logger) {
	checker := health.NewChecker()
	checker.Register("pipeline", func(ctx context.Context) health.CheckResult {
		if !p.Running() {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: "pipeline stopped"}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
	checker.Register("buffers", func(ctx context.Context) health.CheckResult {
		depth := p.Buffered()
		if depth > 10*cfg.Buffer.BatchSize {
			return health.CheckResult{
				Status:  health.StatusDegraded,
				Message: fmt.Sprintf("%d events staged, delivery likely failing", depth),
			}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
	checker.SetReady(true)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", checker.Handler())

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("debug server stopped", "error", err)
	}
}
