// Package event defines the telemetry records that flow through the
// capture pipeline: visual recorder output, application-defined custom
// events, and error reports, plus the session and batch containers that
// carry them to the collector.
package event

import (
	"encoding/json"
	"time"
)

// ErrorType discriminates error event origins.
type ErrorType string

const (
	// ErrorJavascript is a synchronous runtime error caught by the host.
	ErrorJavascript ErrorType = "javascript_error"
	// ErrorUnhandledRejection is an asynchronous failure with no handler.
	ErrorUnhandledRejection ErrorType = "unhandled_rejection"
)

// Context carries the page environment active when an event was captured.
type Context struct {
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Viewport  string `json:"viewport,omitempty"`
}

// Visual is one opaque record emitted by the recording engine. The pipeline
// never inspects Payload; ordering is implied by arrival. StoreKey is set
// when the event has been mirrored into the overflow store so a successful
// flush can purge the mirror.
type Visual struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	StoreKey  string          `json:"-"`
}

// Custom is an application-defined telemetry point. Data has already been
// through the sanitizer pass by the time it is buffered.
type Custom struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	Context   Context         `json:"context"`
}

// Error is a captured host-application failure.
type Error struct {
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	Context   Context   `json:"context"`
}

// Stats accumulates per-session counters reported by heartbeats.
type Stats struct {
	EventCount int64 `json:"eventCount"`
	ErrorCount int64 `json:"errorCount"`
	ClickCount int64 `json:"clickCount"`
}

// Session is one recording lifetime. Exactly one is active per pipeline
// instance; every event carries the ID of the session active at buffering
// time.
type Session struct {
	ID        string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	AppID     string    `json:"appId"`
	StartTime time.Time `json:"startTime"`
	Stats     Stats     `json:"stats"`
}

// BatchMetadata summarizes one flush cycle's contents.
type BatchMetadata struct {
	Timestamp        int64 `json:"timestamp"`
	EventCount       int   `json:"eventCount"`
	CustomEventCount int   `json:"customEventCount"`
	ErrorCount       int   `json:"errorCount"`
}

// Batch is a snapshot of the three buffers taken at flush time. It is
// exclusively owned by the flush in progress and never shared between
// concurrent flush attempts.
type Batch struct {
	VisualEvents []Visual      `json:"visualEvents"`
	CustomEvents []Custom      `json:"customEvents"`
	Errors       []Error       `json:"errors"`
	Metadata     BatchMetadata `json:"metadata"`
}

// Empty reports whether the batch holds no events at all.
func (b *Batch) Empty() bool {
	return len(b.VisualEvents) == 0 && len(b.CustomEvents) == 0 && len(b.Errors) == 0
}

// Size returns the total number of events across all three sequences.
func (b *Batch) Size() int {
	return len(b.VisualEvents) + len(b.CustomEvents) + len(b.Errors)
}

// NowMillis returns the current wall clock in Unix milliseconds, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
