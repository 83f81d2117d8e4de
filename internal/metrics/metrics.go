package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline stages, used as the label value on StageDuration.
const (
	StageAuth        = "auth"
	StageReplayGuard = "replay_guard"
	StageIdempotency = "idempotency"
	StageSequencer   = "sequencer"
	StageEnqueue     = "enqueue"
	StageFlush       = "flush"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Ingress requests by final outcome",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.12, 0.25, 0.5, 1, 2.5},
	}, []string{"stage"})

	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_writer_queue_depth",
		Help: "Events waiting for the next batch flush",
	})

	FlushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_writer_flush_total",
		Help: "Batch flushes by result",
	}, []string{"result"})

	FlushBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_writer_flush_batch_size",
		Help:    "Number of events per committed batch",
		Buckets: []float64{1, 5, 10, 25, 50, 100},
	})

	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})

	ReplayRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_replay_rejected_total",
		Help: "Requests rejected by the transport replay guard",
	})

	IdempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_idempotency_hits_total",
		Help: "Requests answered from a cached idempotency snapshot",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_deadletter_total",
		Help: "Events moved to the dead-letter path after exhausting retries",
	})
)

// ObserveStage records one stage timing from its start time.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}
