// Package pipeline wires the capture pipeline together: the staging
// buffers, the flush scheduler, the compression codec, the delivery
// transport, the durable overflow store, and the heartbeat emitter.
//
// One Pipeline owns exactly one session. It is an explicit instance with
// injected dependencies; hosts that need independent sessions construct
// independent pipelines. No error escapes the capture API: delivery
// failures are re-buffered and persisted for retry, persistence and
// heartbeat failures are reported to the diagnostics sink and otherwise
// swallowed.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tracepipe/internal/buffer"
	"tracepipe/internal/codec"
	"tracepipe/internal/config"
	"tracepipe/internal/event"
	"tracepipe/internal/logging"
	"tracepipe/internal/metrics"
	"tracepipe/internal/overflow"
	"tracepipe/internal/sanitize"
	"tracepipe/internal/schema"
	"tracepipe/internal/transport"
)

// Flush scheduler states.
const (
	stateIdle int32 = iota
	stateFlushing
	stateRetrying
)

// Payload is the delivery body posted to
// POST {endpoint}/sessions/{sessionId}/events.
type Payload struct {
	SessionID    string              `json:"sessionId"`
	UserID       string              `json:"userId,omitempty"`
	AppID        string              `json:"appId"`
	Events       codec.Encoded       `json:"events"`
	CustomEvents []event.Custom      `json:"customEvents"`
	Errors       []event.Error       `json:"errors"`
	Metadata     event.BatchMetadata `json:"metadata"`
}

// Export is the full in-memory state returned to the host for inspection
// or download. Building it never mutates the buffers.
type Export struct {
	Session      event.Session  `json:"session"`
	VisualEvents []event.Visual `json:"visualEvents"`
	CustomEvents []event.Custom `json:"customEvents"`
	Errors       []event.Error  `json:"errors"`
}

// HeartbeatStats tracks the liveness signal.
type HeartbeatStats struct {
	Fired  uint64
	Failed uint64
}

// Pipeline is one capture pipeline instance.
type Pipeline struct {
	cfg       config.Config
	logger    *slog.Logger
	diag      logging.Diagnostics
	sender    transport.Sender
	store     *overflow.Store
	ownsStore bool
	validator *schema.Validator
	pageCtx   event.Context

	buffers *buffer.Buffers

	mu      sync.Mutex
	session event.Session

	// pendingBatchKeys are overflow batch records whose events currently
	// sit in the buffers awaiting retry; a successful flush purges them.
	pendingBatchKeys []string

	state   atomic.Int32
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	hbFired  atomic.Uint64
	hbFailed atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithDiagnostics sets the sink for swallowed errors.
func WithDiagnostics(d logging.Diagnostics) Option {
	return func(p *Pipeline) { p.diag = d }
}

// WithSender injects a delivery transport, replacing the HTTP client built
// from the config.
func WithSender(s transport.Sender) Option {
	return func(p *Pipeline) { p.sender = s }
}

// WithStore injects an already-open overflow store. The pipeline will not
// close it on Stop.
func WithStore(s *overflow.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithValidator sets the custom-event payload validator.
func WithValidator(v *schema.Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithPageContext sets the page environment stamped onto custom and error
// events.
func WithPageContext(c event.Context) Option {
	return func(p *Pipeline) { p.pageCtx = c }
}

// New constructs a pipeline and its session. A failure to open the overflow
// store is not fatal: durability degrades to memory-only and the error goes
// to diagnostics.
func New(cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Pipeline{
		cfg:     cfg,
		buffers: buffer.New(cfg.Buffer.BatchSize),
		session: event.Session{
			ID:        uuid.NewString(),
			UserID:    cfg.Delivery.UserID,
			AppID:     cfg.Delivery.AppID,
			StartTime: time.Now().UTC(),
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.diag == nil {
		p.diag = logging.SlogDiagnostics{Logger: p.logger}
	}
	if p.sender == nil {
		p.sender = transport.New(cfg.Delivery.Endpoint, cfg.Delivery.APIKey, cfg.DeliveryTimeout(), p.diag)
	}
	if p.store == nil && cfg.Overflow.Enabled {
		store, err := overflow.Open(cfg.Overflow.Path, cfg.Overflow.MaxLocalEvents)
		if err != nil {
			p.diag.Report("overflow", "open", err)
		} else {
			p.store = store
			p.ownsStore = true
		}
	}
	if p.validator == nil && cfg.Schema.Path != "" {
		v, err := schema.Load(cfg.Schema.Path)
		if err != nil {
			p.diag.Report("schema", "load", err)
		} else {
			p.validator = v
		}
	}

	return p, nil
}

// SessionID returns the identifier of the active session.
func (p *Pipeline) SessionID() string {
	return p.session.ID
}

// Start announces the session to the collector, re-queues any failed
// batches left behind by a previous instance, and begins the flush and
// heartbeat loops.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pipeline already started")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	// Fire-and-forget session start, never retried.
	if p.sender.Enabled() {
		sess := p.sessionSnapshot()
		go func() {
			if err := p.sender.SendAsync(runCtx, "/sessions/start", sess.ID, sess); err != nil {
				p.diag.Report("transport", "session start", err)
			}
		}()
	}

	p.recoverPendingBatches()

	p.wg.Add(2)
	go p.flushLoop(runCtx)
	go p.heartbeatLoop(runCtx)

	p.logger.Info("pipeline started",
		"session", p.session.ID,
		"endpoint_configured", p.sender.Enabled(),
		"overflow", p.store != nil)

	return nil
}

// Stop runs a final flush, reports the session end, and shuts down the
// background loops. The session is logically ended afterwards.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.started.CompareAndSwap(true, false) {
		return nil
	}

	p.cancel()
	p.wg.Wait()

	p.flush(ctx, "stop")

	if p.sender.Enabled() {
		end := map[string]any{
			"sessionId": p.session.ID,
			"timestamp": event.NowMillis(),
		}
		if err := p.sender.SendAsync(ctx, "/sessions/"+p.session.ID+"/end", p.session.ID, end); err != nil {
			p.diag.Report("transport", "session end", err)
		}
	}

	if p.ownsStore && p.store != nil {
		if err := p.store.Close(); err != nil {
			p.diag.Report("overflow", "close", err)
		}
	}

	p.logger.Info("pipeline stopped", "session", p.session.ID)
	return nil
}

// CaptureVisual accepts one opaque record from the recording engine, in
// arrival order. The record is mirrored into the overflow store when one is
// available.
func (p *Pipeline) CaptureVisual(raw json.RawMessage) {
	v := event.Visual{
		Payload:   raw,
		Timestamp: event.NowMillis(),
	}

	if p.store != nil {
		key, err := p.store.PutEvent(p.session.ID, v.Timestamp, raw)
		if err != nil {
			p.diag.Report("overflow", "mirror event", err)
		} else {
			v.StoreKey = key
		}
	}

	p.addStats(func(s *event.Stats) { s.EventCount++ })
	p.buffers.EnqueueVisual(v)
	p.noteBuffered("visual")
}

// CaptureCustom accepts an application-defined telemetry point. The payload
// is sanitized before buffering; schema violations are reported to
// diagnostics but never reject the event.
func (p *Pipeline) CaptureCustom(eventType string, data json.RawMessage) {
	clean := sanitize.Sanitize(data)

	if err := p.validator.Validate(clean); err != nil {
		p.diag.Report("schema", "validate "+eventType, err)
	}

	p.addStats(func(s *event.Stats) {
		s.EventCount++
		if eventType == "click" {
			s.ClickCount++
		}
	})

	p.buffers.EnqueueCustom(event.Custom{
		EventType: eventType,
		Data:      clean,
		Timestamp: event.NowMillis(),
		SessionID: p.session.ID,
		Context:   p.pageCtx,
	})
	p.noteBuffered("custom")
}

// CaptureError accepts an error report. Errors are delivery-urgent and
// request an immediate flush.
func (p *Pipeline) CaptureError(errType event.ErrorType, message, stack string) {
	p.addStats(func(s *event.Stats) { s.ErrorCount++ })

	p.buffers.EnqueueError(event.Error{
		Type:      errType,
		Message:   message,
		Stack:     stack,
		Timestamp: event.NowMillis(),
		SessionID: p.session.ID,
		Context:   p.pageCtx,
	})
	p.noteBuffered("error")
}

// NotifyHidden signals a page-visibility transition to hidden, one of the
// four flush triggers.
func (p *Pipeline) NotifyHidden() {
	p.buffers.Request(buffer.TriggerHidden)
}

// FlushSync is the unload path: it builds the usual payload without
// clearing or mutating the buffers and dispatches it through the
// best-effort transport. Nothing is awaited; the caller may not survive
// long enough to observe a response.
func (p *Pipeline) FlushSync() {
	if !p.sender.Enabled() {
		return
	}

	batch := p.buffers.Peek()
	if batch.Empty() {
		return
	}

	p.sender.SendBestEffort("/sessions/"+p.session.ID+"/events", p.session.ID, p.buildPayload(batch))
}

// Export returns the full current in-memory state without mutating the
// buffers.
func (p *Pipeline) Export() Export {
	batch := p.buffers.Peek()
	return Export{
		Session:      p.sessionSnapshot(),
		VisualEvents: batch.VisualEvents,
		CustomEvents: batch.CustomEvents,
		Errors:       batch.Errors,
	}
}

// Stats returns the cumulative session stats.
func (p *Pipeline) Stats() event.Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.Stats
}

// Running reports whether the pipeline has been started and not stopped.
func (p *Pipeline) Running() bool {
	return p.started.Load()
}

// Buffered returns the total number of events currently staged in memory.
func (p *Pipeline) Buffered() int {
	v, c, e := p.buffers.Lens()
	return v + c + e
}

// Heartbeats returns the heartbeat emitter counters.
func (p *Pipeline) Heartbeats() HeartbeatStats {
	return HeartbeatStats{
		Fired:  p.hbFired.Load(),
		Failed: p.hbFailed.Load(),
	}
}

// flushLoop serializes the four flush triggers into flush calls.
func (p *Pipeline) flushLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case trigger := <-p.buffers.Requests():
			p.flush(ctx, string(trigger))

		case <-ticker.C:
			// The periodic timer only flushes when something is buffered.
			if !p.buffers.Empty() {
				p.flush(ctx, string(buffer.TriggerInterval))
			}
		}
	}
}

// flush drains all three buffers into one batch and attempts delivery.
//
// With no endpoint configured it returns without touching the buffers, so
// captured events stay available for export. On failure the batch's events
// are re-prepended ahead of newer ones and the whole batch is persisted as
// one overflow record; the retry rides the next flush trigger.
func (p *Pipeline) flush(ctx context.Context, trigger string) {
	if !p.sender.Enabled() {
		return
	}
	if !p.state.CompareAndSwap(stateIdle, stateFlushing) {
		return
	}

	batch := p.buffers.Snapshot()
	if batch.Empty() {
		p.state.Store(stateIdle)
		return
	}

	p.logger.Debug("flushing batch",
		"trigger", trigger,
		"visual", len(batch.VisualEvents),
		"custom", len(batch.CustomEvents),
		"errors", len(batch.Errors))

	err := p.sender.SendAsync(ctx, "/sessions/"+p.session.ID+"/events", p.session.ID, p.buildPayload(batch))
	if err == nil {
		p.state.Store(stateIdle)
		metrics.BatchesDelivered.Inc()
		metrics.BufferedEvents.Sub(float64(batch.Size()))
		p.purgeDelivered(batch)
		return
	}

	p.state.Store(stateRetrying)
	metrics.BatchesFailed.Inc()
	p.diag.Report("delivery", "send batch", err)

	p.buffers.Requeue(batch)
	p.persistFailedBatch(batch)

	p.state.Store(stateIdle)
}

// purgeDelivered removes overflow mirrors of a successfully delivered
// batch: the single-event records of its visual events and any batch
// records whose events it carried.
func (p *Pipeline) purgeDelivered(batch event.Batch) {
	if p.store == nil {
		return
	}

	keys := make([]string, 0, len(batch.VisualEvents))
	for _, v := range batch.VisualEvents {
		if v.StoreKey != "" {
			keys = append(keys, v.StoreKey)
		}
	}

	p.mu.Lock()
	keys = append(keys, p.pendingBatchKeys...)
	p.pendingBatchKeys = nil
	p.mu.Unlock()

	if err := p.store.DeleteKeys(keys); err != nil {
		p.diag.Report("overflow", "purge delivered", err)
	}
}

// persistFailedBatch mirrors a failed batch into the overflow store as one
// record so it survives the page context for a later retry.
func (p *Pipeline) persistFailedBatch(batch event.Batch) {
	if p.store == nil {
		return
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		p.diag.Report("overflow", "marshal failed batch", err)
		return
	}

	key := fmt.Sprintf("batch_%d", batch.Metadata.Timestamp)
	if err := p.store.PutBatch(key, p.session.ID, batch.Metadata.Timestamp, payload); err != nil {
		p.diag.Report("overflow", "persist failed batch", err)
		return
	}

	p.mu.Lock()
	p.pendingBatchKeys = append(p.pendingBatchKeys, key)
	p.mu.Unlock()
}

// recoverPendingBatches loads failed batches persisted by an earlier
// instance and re-queues their events so the next flush retries them.
func (p *Pipeline) recoverPendingBatches() {
	if p.store == nil {
		return
	}

	records, err := p.store.PendingBatches()
	if err != nil {
		p.diag.Report("overflow", "load pending batches", err)
		return
	}

	for _, rec := range records {
		var batch event.Batch
		if err := json.Unmarshal(rec.Payload, &batch); err != nil {
			p.diag.Report("overflow", "decode pending batch "+rec.Key, err)
			continue
		}

		p.buffers.Requeue(batch)
		p.mu.Lock()
		p.pendingBatchKeys = append(p.pendingBatchKeys, rec.Key)
		p.mu.Unlock()
	}

	if len(records) > 0 {
		p.logger.Info("recovered pending batches", "count", len(records))
		p.buffers.Request(buffer.TriggerRecovery)
	}
}

// heartbeatLoop emits the periodic liveness signal, fully decoupled from
// the flush cycle. Failures are counted and reported, never retried.
func (p *Pipeline) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			p.emitHeartbeat(ctx)
		}
	}
}

func (p *Pipeline) emitHeartbeat(ctx context.Context) {
	if !p.sender.Enabled() {
		return
	}

	p.hbFired.Add(1)
	payload := map[string]any{
		"sessionId": p.session.ID,
		"timestamp": event.NowMillis(),
		"stats":     p.Stats(),
	}

	err := p.sender.SendAsync(ctx, "/sessions/"+p.session.ID+"/heartbeat", p.session.ID, payload)
	if err != nil {
		p.hbFailed.Add(1)
		metrics.Heartbeats.WithLabelValues("error").Inc()
		p.diag.Report("heartbeat", "send", err)
		return
	}

	metrics.Heartbeats.WithLabelValues("ok").Inc()
}

func (p *Pipeline) buildPayload(batch event.Batch) Payload {
	return Payload{
		SessionID:    p.session.ID,
		UserID:       p.session.UserID,
		AppID:        p.session.AppID,
		Events:       codec.Encode(batch.VisualEvents),
		CustomEvents: batch.CustomEvents,
		Errors:       batch.Errors,
		Metadata:     batch.Metadata,
	}
}

func (p *Pipeline) sessionSnapshot() event.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

func (p *Pipeline) addStats(mutate func(*event.Stats)) {
	p.mu.Lock()
	mutate(&p.session.Stats)
	p.mu.Unlock()
}

func (p *Pipeline) noteBuffered(kind string) {
	metrics.EventsBuffered.WithLabelValues(kind).Inc()
	metrics.BufferedEvents.Inc()
}
