package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracepipe/internal/config"
	"tracepipe/internal/event"
	"tracepipe/internal/logging"
	"tracepipe/internal/overflow"
)

// fakeSender records every send and fails on demand.
type fakeSender struct {
	mu       sync.Mutex
	disabled bool
	failWith error
	onSend   func()
	calls    []sentCall
}

type sentCall struct {
	path       string
	payload    any
	bestEffort bool
}

func (f *fakeSender) Enabled() bool { return !f.disabled }

func (f *fakeSender) SendAsync(ctx context.Context, path, sessionID string, payload any) error {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{path: path, payload: payload})
	hook := f.onSend
	err := f.failWith
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeSender) SendBestEffort(path, sessionID string, payload any) {
	f.mu.Lock()
	f.calls = append(f.calls, sentCall{path: path, payload: payload, bestEffort: true})
	f.mu.Unlock()
}

func (f *fakeSender) setFailure(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

// eventCalls returns the recorded batch deliveries, skipping lifecycle calls.
func (f *fakeSender) eventCalls() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []sentCall
	for _, c := range f.calls {
		if strings.HasSuffix(c.path, "/events") {
			out = append(out, c)
		}
	}
	return out
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Delivery.Endpoint = "http://collector.invalid"
	cfg.Overflow.Path = filepath.Join(t.TempDir(), "overflow.db")
	return cfg
}

func newTestPipeline(t *testing.T, cfg config.Config, sender *fakeSender) *Pipeline {
	t.Helper()
	p, err := New(cfg,
		WithSender(sender),
		WithDiagnostics(logging.NopDiagnostics{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if p.ownsStore && p.store != nil {
			p.store.Close()
		}
	})
	return p
}

func TestFlush_BatchSizeScenario(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.BatchSize = 2
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	p.CaptureVisual(json.RawMessage(`{"seq":0}`))
	p.CaptureVisual(json.RawMessage(`{"seq":1}`))

	require.Eventually(t, func() bool {
		return len(sender.eventCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond, "exactly one delivery must fire")

	payload := sender.eventCalls()[0].payload.(Payload)
	assert.Equal(t, 2, payload.Metadata.EventCount)
	assert.Equal(t, p.SessionID(), payload.SessionID)
	assert.True(t, payload.Events.Compressed)

	assert.True(t, p.buffers.Empty(), "buffers must be empty immediately after success")
}

func TestFlush_FailureRebuffersAndPersistsBatch(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{failWith: errors.New("http 500")}
	p := newTestPipeline(t, cfg, sender)

	for i := 0; i < 3; i++ {
		p.CaptureCustom("step", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
	}

	p.flush(context.Background(), "test")

	// All three custom events are back in the buffer, in order.
	_, customs, _ := p.buffers.Lens()
	assert.Equal(t, 3, customs)

	// Exactly one overflow batch record exists.
	batches, err := p.store.PendingBatches()
	require.NoError(t, err)
	require.Len(t, batches, 1)

	// A later successful flush delivers the same events first and purges
	// the record.
	sender.setFailure(nil)
	p.flush(context.Background(), "test")

	calls := sender.eventCalls()
	require.Len(t, calls, 2)
	retried := calls[1].payload.(Payload)
	require.Len(t, retried.CustomEvents, 3)
	for i, c := range retried.CustomEvents {
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(c.Data))
	}

	batches, err = p.store.PendingBatches()
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.True(t, p.buffers.Empty())
}

func TestFlush_RetryOrderPrecedesNewerEvents(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{failWith: errors.New("network down")}
	p := newTestPipeline(t, cfg, sender)

	p.CaptureCustom("old", json.RawMessage(`{"n":0}`))
	p.flush(context.Background(), "test")

	p.CaptureCustom("new", json.RawMessage(`{"n":1}`))

	sender.setFailure(nil)
	p.flush(context.Background(), "test")

	calls := sender.eventCalls()
	require.Len(t, calls, 2)
	payload := calls[1].payload.(Payload)
	require.Len(t, payload.CustomEvents, 2)
	assert.Equal(t, "old", payload.CustomEvents[0].EventType)
	assert.Equal(t, "new", payload.CustomEvents[1].EventType)
}

func TestFlush_NoEndpointNeverTouchesAnything(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{disabled: true}
	p := newTestPipeline(t, cfg, sender)

	for i := 0; i < 100; i++ {
		p.CaptureVisual(json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
	}

	p.flush(context.Background(), "test")
	p.FlushSync()

	assert.Empty(t, sender.eventCalls(), "no network calls may occur")

	exported := p.Export()
	assert.Len(t, exported.VisualEvents, 100, "events remain exportable")

	v, _, _ := p.buffers.Lens()
	assert.Equal(t, 100, v, "buffers are never cleared by flush")
}

func TestFlush_EmptyBuffersAreANoOp(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	p.flush(context.Background(), "test")

	assert.Empty(t, sender.eventCalls(), "empty batch must not be delivered")
}

func TestUrgentErrorFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Buffer.FlushIntervalSec = 3600 // periodic timer effectively never fires
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	p.CaptureError(event.ErrorJavascript, "boom", "at main.js:1")

	require.Eventually(t, func() bool {
		return len(sender.eventCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond, "one error event must flush before the periodic tick")

	payload := sender.eventCalls()[0].payload.(Payload)
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, event.ErrorJavascript, payload.Errors[0].Type)
	assert.Equal(t, p.SessionID(), payload.Errors[0].SessionID)
}

func TestFlush_MidFlightEventsLandInNextBatch(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	p.CaptureCustom("first", nil)

	// Enqueue while the delivery is in flight: the snapshot has already
	// been taken, so the event belongs to the next batch.
	sender.onSend = func() {
		sender.onSend = nil
		p.CaptureCustom("late", nil)
	}
	p.flush(context.Background(), "test")

	calls := sender.eventCalls()
	require.Len(t, calls, 1)
	first := calls[0].payload.(Payload)
	require.Len(t, first.CustomEvents, 1)
	assert.Equal(t, "first", first.CustomEvents[0].EventType)

	p.flush(context.Background(), "test")
	calls = sender.eventCalls()
	require.Len(t, calls, 2)
	second := calls[1].payload.(Payload)
	require.Len(t, second.CustomEvents, 1)
	assert.Equal(t, "late", second.CustomEvents[0].EventType)
}

func TestFlushSync_BestEffortWithoutMutation(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	p.CaptureCustom("a", nil)
	p.CaptureVisual(json.RawMessage(`{}`))

	p.FlushSync()

	calls := sender.eventCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].bestEffort)

	v, c, _ := p.buffers.Lens()
	assert.Equal(t, 1, v, "unload path must not clear buffers")
	assert.Equal(t, 1, c)
}

func TestCaptureVisual_MirroredAndPurgedOnSuccess(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)
	require.NotNil(t, p.store)

	p.CaptureVisual(json.RawMessage(`{"seq":0}`))

	count, err := p.store.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 1, count, "visual events are mirrored on capture")

	p.flush(context.Background(), "test")

	count, err = p.store.CountEvents()
	require.NoError(t, err)
	assert.Equal(t, 0, count, "mirrors are purged once their batch is delivered")
}

func TestRecoverPendingBatches(t *testing.T) {
	cfg := testConfig(t)

	// A previous instance left a failed batch behind.
	store, err := overflow.Open(cfg.Overflow.Path, cfg.Overflow.MaxLocalEvents)
	require.NoError(t, err)
	stale := event.Batch{
		CustomEvents: []event.Custom{{EventType: "orphan", SessionID: "old-session", Timestamp: 1}},
		Metadata:     event.BatchMetadata{Timestamp: 1, CustomEventCount: 1},
	}
	payload, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, store.PutBatch("batch_1", "old-session", 1, payload))

	sender := &fakeSender{}
	p, err := New(cfg,
		WithSender(sender),
		WithStore(store),
		WithDiagnostics(logging.NopDiagnostics{}),
	)
	require.NoError(t, err)
	defer store.Close()

	p.recoverPendingBatches()

	_, customs, _ := p.buffers.Lens()
	assert.Equal(t, 1, customs)

	p.flush(context.Background(), "test")

	batches, err := store.PendingBatches()
	require.NoError(t, err)
	assert.Empty(t, batches, "recovered batch record is purged after delivery")
}

func TestHeartbeat_FailuresAreSwallowed(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{failWith: errors.New("collector down")}
	p := newTestPipeline(t, cfg, sender)

	p.CaptureCustom("click", nil)
	p.emitHeartbeat(context.Background())
	p.emitHeartbeat(context.Background())

	hb := p.Heartbeats()
	assert.Equal(t, uint64(2), hb.Fired)
	assert.Equal(t, uint64(2), hb.Failed)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.EventCount)
	assert.Equal(t, int64(1), stats.ClickCount)
}

func TestExport_DoesNotMutate(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{disabled: true}
	p := newTestPipeline(t, cfg, sender)

	for i := 0; i < 10; i++ {
		p.CaptureCustom("tick", nil)
	}

	first := p.Export()
	second := p.Export()

	assert.Len(t, first.CustomEvents, 10)
	assert.Len(t, second.CustomEvents, 10)
	assert.Equal(t, p.SessionID(), first.Session.ID)
}

func TestCaptureCustom_SanitizesPayload(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{disabled: true}
	p := newTestPipeline(t, cfg, sender)

	p.CaptureCustom("signup", json.RawMessage(`{"email":"jan.doe@example.com"}`))

	exported := p.Export()
	require.Len(t, exported.CustomEvents, 1)
	assert.NotContains(t, string(exported.CustomEvents[0].Data), "jan.doe@")
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig(t)
	sender := &fakeSender{}
	p := newTestPipeline(t, cfg, sender)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	assert.Error(t, p.Start(ctx))
}
