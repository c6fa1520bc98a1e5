// Package buffer implements the in-memory staging queues of the capture
// pipeline.
//
// Three logically distinct queues (visual, custom, error) grow without
// bound between flushes; the buffer itself never drops an event.
// Backpressure is the flush scheduler's job: the buffer only raises flush
// requests on a signal channel when a size trigger fires.
package buffer

import (
	"sync"

	"tracepipe/internal/event"
)

// CustomFlushThreshold is the fixed custom-event queue length that raises a
// flush request, independent of the configurable visual batch size.
const CustomFlushThreshold = 10

// Trigger identifies why a flush was requested.
type Trigger string

const (
	// TriggerBatchSize fires when the visual queue reaches the batch size.
	TriggerBatchSize Trigger = "batch-size"
	// TriggerCustomThreshold fires when the custom queue reaches its fixed cap.
	TriggerCustomThreshold Trigger = "custom-threshold"
	// TriggerError fires on every error enqueue; errors are delivery-urgent.
	TriggerError Trigger = "error"
	// TriggerInterval is the periodic flush timer.
	TriggerInterval Trigger = "interval"
	// TriggerHidden is the page-visibility transition to hidden.
	TriggerHidden Trigger = "hidden"
	// TriggerRecovery re-delivers batches found in the overflow store at start.
	TriggerRecovery Trigger = "recovery"
)

// Buffers holds the three staging queues. All methods are safe for
// concurrent use; enqueue and snapshot are atomic with respect to each
// other, so an event is never split across two batches.
type Buffers struct {
	mu      sync.Mutex
	visuals []event.Visual
	customs []event.Custom
	errs    []event.Error

	batchSize int
	requests  chan Trigger
}

// New creates empty buffers. batchSize is the visual-queue flush threshold.
func New(batchSize int) *Buffers {
	return &Buffers{
		batchSize: batchSize,
		requests:  make(chan Trigger, 8),
	}
}

// Requests returns the channel on which flush triggers are delivered.
// Requests are dropped, not queued, when the channel is full; a flush is
// already pending in that case.
func (b *Buffers) Requests() <-chan Trigger {
	return b.requests
}

// EnqueueVisual appends one recording-engine event.
func (b *Buffers) EnqueueVisual(v event.Visual) {
	b.mu.Lock()
	b.visuals = append(b.visuals, v)
	hit := b.batchSize > 0 && len(b.visuals) >= b.batchSize
	b.mu.Unlock()

	if hit {
		b.request(TriggerBatchSize)
	}
}

// EnqueueCustom appends one custom event.
func (b *Buffers) EnqueueCustom(c event.Custom) {
	b.mu.Lock()
	b.customs = append(b.customs, c)
	hit := len(b.customs) >= CustomFlushThreshold
	b.mu.Unlock()

	if hit {
		b.request(TriggerCustomThreshold)
	}
}

// EnqueueError appends one error event and requests an immediate flush.
func (b *Buffers) EnqueueError(e event.Error) {
	b.mu.Lock()
	b.errs = append(b.errs, e)
	b.mu.Unlock()

	b.request(TriggerError)
}

// Request raises an externally originated flush trigger (timer, visibility).
func (b *Buffers) Request(t Trigger) {
	b.request(t)
}

func (b *Buffers) request(t Trigger) {
	select {
	case b.requests <- t:
	default:
	}
}

// Snapshot atomically moves the current contents of all three queues into
// one batch, leaving the queues empty. Events enqueued after Snapshot
// returns belong to the next batch.
func (b *Buffers) Snapshot() event.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := event.Batch{
		VisualEvents: b.visuals,
		CustomEvents: b.customs,
		Errors:       b.errs,
		Metadata: event.BatchMetadata{
			Timestamp:        event.NowMillis(),
			EventCount:       len(b.visuals),
			CustomEventCount: len(b.customs),
			ErrorCount:       len(b.errs),
		},
	}

	b.visuals = nil
	b.customs = nil
	b.errs = nil

	return batch
}

// Peek builds the same batch as Snapshot without clearing the queues. Used
// by the unload path, which must not mutate state it may not survive to
// restore, and by flushes with no delivery endpoint configured.
func (b *Buffers) Peek() event.Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := event.Batch{
		VisualEvents: append([]event.Visual(nil), b.visuals...),
		CustomEvents: append([]event.Custom(nil), b.customs...),
		Errors:       append([]event.Error(nil), b.errs...),
		Metadata: event.BatchMetadata{
			Timestamp:        event.NowMillis(),
			EventCount:       len(b.visuals),
			CustomEventCount: len(b.customs),
			ErrorCount:       len(b.errs),
		},
	}

	return batch
}

// Requeue puts a failed batch's events back at the front of their queues,
// ahead of anything enqueued since, preserving their original relative
// order. The next flush re-attempts them before newer events.
func (b *Buffers) Requeue(batch event.Batch) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.visuals = append(append([]event.Visual(nil), batch.VisualEvents...), b.visuals...)
	b.customs = append(append([]event.Custom(nil), batch.CustomEvents...), b.customs...)
	b.errs = append(append([]event.Error(nil), batch.Errors...), b.errs...)
}

// Lens returns the current lengths of the visual, custom, and error queues.
func (b *Buffers) Lens() (visuals, customs, errs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.visuals), len(b.customs), len(b.errs)
}

// Empty reports whether all three queues are empty.
func (b *Buffers) Empty() bool {
	v, c, e := b.Lens()
	return v == 0 && c == 0 && e == 0
}
