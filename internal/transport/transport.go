// Package transport delivers batch payloads and session lifecycle calls to
// the remote collector over HTTP.
//
// Two send modes exist: asynchronous (awaits the response, retryable by the
// flush scheduler) and best-effort (fire-and-forget, used only on the
// unload path where the caller may not survive to observe a response).
// A non-2xx status and a network-level rejection map to the same failure
// signal; the scheduler does not distinguish them.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tracepipe/internal/logging"
)

// DefaultTimeout bounds one delivery attempt when the config does not.
const DefaultTimeout = 30 * time.Second

// Sender is the delivery dependency injected into the pipeline.
type Sender interface {
	// Enabled reports whether a collector endpoint is configured at all.
	Enabled() bool

	// SendAsync posts a payload and waits for the outcome. Any error is a
	// delivery failure to be handled by the flush scheduler.
	SendAsync(ctx context.Context, path, sessionID string, payload any) error

	// SendBestEffort posts a payload without awaiting or reporting the
	// outcome. Failures are unobservable by design.
	SendBestEffort(path, sessionID string, payload any)
}

// Client is the HTTP Sender implementation.
type Client struct {
	endpoint string
	apiKey   string
	httpc    *http.Client
	diag     logging.Diagnostics
}

// New creates a client for the collector at endpoint. An empty endpoint
// yields a disabled client: sends are refused and Enabled reports false.
func New(endpoint, apiKey string, timeout time.Duration, diag logging.Diagnostics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if diag == nil {
		diag = logging.NopDiagnostics{}
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpc:    &http.Client{Timeout: timeout},
		diag:     diag,
	}
}

// Enabled implements Sender.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

// SendAsync implements Sender.
func (c *Client) SendAsync(ctx context.Context, path, sessionID string, payload any) error {
	if !c.Enabled() {
		return fmt.Errorf("no collector endpoint configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req, sessionID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: collector returned status %d", path, resp.StatusCode)
	}

	return nil
}

// SendBestEffort implements Sender. The request runs on its own goroutine
// with the client timeout; response and error are discarded, beyond a
// debug-level diagnostics report.
func (c *Client) SendBestEffort(path, sessionID string, payload any) {
	if !c.Enabled() {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		c.diag.Report("transport", "best-effort marshal", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.httpc.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			c.diag.Report("transport", "best-effort request", err)
			return
		}
		c.setHeaders(req, sessionID)

		resp, err := c.httpc.Do(req)
		if err != nil {
			c.diag.Report("transport", "best-effort send", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
}

