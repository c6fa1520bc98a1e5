// Package metrics exposes Prometheus counters for the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesDelivered counts batches accepted by the collector.
	BatchesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracepipe_batches_delivered_total",
		Help: "Batches successfully delivered to the collector",
	})

	// BatchesFailed counts delivery attempts that ended in failure.
	BatchesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracepipe_batches_failed_total",
		Help: "Batch delivery attempts that failed and were re-buffered",
	})

	// EventsBuffered counts events entering the in-memory queues by kind.
	EventsBuffered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracepipe_events_buffered_total",
		Help: "Events enqueued into the staging buffers",
	}, []string{"kind"})

	// BufferedEvents tracks the current total staging-queue depth.
	BufferedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracepipe_buffered_events",
		Help: "Events currently held in the staging buffers",
	})

	// OverflowEvictions counts overflow-store records evicted by the
	// capacity policy.
	OverflowEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracepipe_overflow_evictions_total",
		Help: "Overflow store records evicted to stay under the local cap",
	})

	// Heartbeats counts heartbeat emissions by outcome.
	Heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracepipe_heartbeats_total",
		Help: "Session heartbeats sent, by outcome",
	}, []string{"status"})
)
