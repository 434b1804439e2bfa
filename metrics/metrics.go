// Package metrics exports hub session statistics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SakenW/TH-Suite-sub005/sync"
)

const (
	// Namespace is the default namespace all metrics are defined under.
	Namespace = "thsync"

	subsystem = "hub"
)

// Telemetry implements sync.Telemetry with Prometheus collectors registered
// on its own registry.
type Telemetry struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	handshakeLatency prometheus.Histogram

	chunks       *prometheus.CounterVec
	chunkBytes   *prometheus.CounterVec
	chunkLatency prometheus.Histogram

	payloads      *prometheus.CounterVec
	merges        *prometheus.CounterVec
	commitRetries prometheus.Counter
}

var _ sync.Telemetry = (*Telemetry)(nil)

// New creates the hub collectors under namespace (Namespace when empty).
func New(namespace string) *Telemetry {
	if namespace == "" {
		namespace = Namespace
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}
	}

	return &Telemetry{
		registry: reg,

		sessionsStarted: f.NewCounter(counter("sessions_started_total", "Sessions opened by a handshake")),
		sessionsEnded: f.NewCounterVec(counter("sessions_ended_total", "Sessions that reached a terminal state"),
			[]string{"status"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "sessions_active", Help: "Sessions currently held in memory",
		}),
		handshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "handshake_duration_seconds", Help: "Time to answer a handshake",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		chunks: f.NewCounterVec(counter("chunks_total", "Chunks handled, by direction and result"),
			[]string{"direction", "result"}),
		chunkBytes: f.NewCounterVec(counter("chunk_bytes_total", "Chunk payload bytes, by direction"),
			[]string{"direction"}),
		chunkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: subsystem,
			Name: "chunk_upload_duration_seconds", Help: "Time to verify and store an uploaded chunk",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),

		payloads: f.NewCounterVec(counter("payloads_committed_total", "Payload commits, by outcome"),
			[]string{"outcome"}),
		merges: f.NewCounterVec(counter("entry_merges_total", "Entry merges, by result"),
			[]string{"result"}),
		commitRetries: f.NewCounter(counter("commit_retries_total", "Optimistic commits retried after a concurrent write")),
	}
}

// Registry returns the registry holding the collectors, for promhttp.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

func (t *Telemetry) SessionStarted() {
	t.sessionsStarted.Inc()
	t.sessionsActive.Inc()
}

func (t *Telemetry) SessionEnded(status string) {
	t.sessionsEnded.WithLabelValues(status).Inc()
	t.sessionsActive.Dec()
}

func (t *Telemetry) HandshakeCompleted(latency time.Duration) {
	t.handshakeLatency.Observe(latency.Seconds())
}

func (t *Telemetry) ChunkReceived(bytes int, d time.Duration, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	t.chunks.WithLabelValues("upload", result).Inc()
	if accepted {
		t.chunkBytes.WithLabelValues("upload").Add(float64(bytes))
	}
	t.chunkLatency.Observe(d.Seconds())
}

func (t *Telemetry) ChunkServed(bytes int) {
	t.chunks.WithLabelValues("download", "served").Inc()
	t.chunkBytes.WithLabelValues("download").Add(float64(bytes))
}

func (t *Telemetry) PayloadCommitted(outcome string) {
	t.payloads.WithLabelValues(outcome).Inc()
}

func (t *Telemetry) MergesApplied(clean, conflicted, errored int) {
	t.merges.WithLabelValues("clean").Add(float64(clean))
	t.merges.WithLabelValues("conflict").Add(float64(conflicted))
	t.merges.WithLabelValues("error").Add(float64(errored))
}

func (t *Telemetry) CommitRetried() {
	t.commitRetries.Inc()
}
