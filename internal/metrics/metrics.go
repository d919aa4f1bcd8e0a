// Package metrics exposes the pipeline's Prometheus registry (spec.md §6
// GET /metrics). Each Metrics instance owns its own prometheus.Registry
// instead of registering against the global DefaultRegisterer, so the
// Hub/Ingest/Cache registry is resettable per-process and per-test (Design
// Notes "metrics registry cleared between tests").
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	MessagesIngested  prometheus.Counter
	MessagesReplayed  *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	SequencerRetries  prometheus.Counter

	SessionsActive    prometheus.Gauge
	FanoutDelivered   prometheus.Counter
	FanoutBuffered    prometheus.Counter
	SlowConsumerKicks prometheus.Counter

	ReplayMessages prometheus.Counter
	ReplayBatches  prometheus.Counter

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec
}

// New builds a fresh registry with every pipeline metric registered. Tests
// call New() per-case instead of sharing package-level state, avoiding the
// "duplicate metrics collector registration" panic a shared DefaultRegisterer
// would otherwise hit across table-driven subtests.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		MessagesIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_messages_ingested_total",
			Help: "Total number of messages successfully persisted by the ingest pipeline.",
		}),
		MessagesReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaywire_messages_replayed_total",
			Help: "Total number of idempotent-replay sends (200 responses), by route.",
		}, []string{"route"}),
		IngestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaywire_ingest_duration_seconds",
			Help:    "Latency of the ingest pipeline's Send operation.",
			Buckets: prometheus.DefBuckets,
		}),
		SequencerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_sequencer_retries_total",
			Help: "Total number of seq-conflict retries across all conversations.",
		}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaywire_hub_sessions_active",
			Help: "Number of currently registered device sessions.",
		}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_hub_fanout_delivered_total",
			Help: "Total number of message frames enqueued to a live session.",
		}),
		FanoutBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_hub_fanout_buffered_total",
			Help: "Total number of message frames buffered for an offline device.",
		}),
		SlowConsumerKicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_hub_slow_consumer_total",
			Help: "Total number of sessions force-closed for exceeding the dropped-frame threshold.",
		}),

		ReplayMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_replay_messages_total",
			Help: "Total number of messages streamed by the replay engine.",
		}),
		ReplayBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaywire_replay_batches_total",
			Help: "Total number of replay batches streamed.",
		}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaywire_cache_hits_total",
			Help: "Total number of near-cache or shared-cache hits, by layer.",
		}, []string{"layer"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaywire_cache_misses_total",
			Help: "Total number of cache misses, by layer.",
		}, []string{"layer"}),

		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaywire_ratelimit_rejections_total",
			Help: "Total number of requests rejected by the rate limiter, by route.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.MessagesIngested,
		m.MessagesReplayed,
		m.IngestDuration,
		m.SequencerRetries,
		m.SessionsActive,
		m.FanoutDelivered,
		m.FanoutBuffered,
		m.SlowConsumerKicks,
		m.ReplayMessages,
		m.ReplayBatches,
		m.CacheHits,
		m.CacheMisses,
		m.RateLimitRejections,
	)
	return m
}

// Handler serves the Prometheus text exposition format for GET /metrics.
// encryptedContent is never a label or metric value anywhere in this
// package, so the exposition can never contain ciphertext (spec.md §8
// property 6) — there is simply nothing here to redact.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
