package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the chat engine.
type Metrics struct {
	StreamsStarted    *prometheus.CounterVec
	StreamsFinished   *prometheus.CounterVec
	StreamDuration    prometheus.Histogram
	ActiveStreams     prometheus.Gauge
	ToolCalls         *prometheus.CounterVec
	Proposals         *prometheus.CounterVec
	QueuedPrompts     prometheus.Counter
	QuotaRejections   prometheus.Counter
	CompactionsMarked prometheus.Counter
}

// NewMetrics creates and registers engine metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		StreamsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "streams_started_total",
			Help:      "Total streams admitted, by conversation mode.",
		}, []string{"mode"}),
		StreamsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "streams_finished_total",
			Help:      "Total streams finished, by outcome (completed, cancelled, errored).",
		}, []string{"outcome"}),
		StreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "stream_duration_seconds",
			Help:      "Wall time from admission to the end of a stream.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180, 600},
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "active_streams",
			Help:      "Conversations currently streaming.",
		}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and consent decision.",
		}, []string{"tool", "decision"}),
		Proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "proposals_total",
			Help:      "Proposal resolutions by result (approved, rejected, failed).",
		}, []string{"result"}),
		QueuedPrompts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "queued_prompts_total",
			Help:      "Prompts queued because their conversation was streaming.",
		}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "quota_rejections_total",
			Help:      "Streams refused because the mode's quota was used up.",
		}),
		CompactionsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appforge",
			Subsystem: "engine",
			Name:      "compactions_marked_total",
			Help:      "Conversations flagged for compaction after a stream.",
		}),
	}

	reg.MustRegister(
		m.StreamsStarted,
		m.StreamsFinished,
		m.StreamDuration,
		m.ActiveStreams,
		m.ToolCalls,
		m.Proposals,
		m.QueuedPrompts,
		m.QuotaRejections,
		m.CompactionsMarked,
	)

	return m
}

func (m *Metrics) streamStarted(mode string) {
	if m == nil {
		return
	}
	m.StreamsStarted.WithLabelValues(mode).Inc()
}

func (m *Metrics) streamFinished(outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.StreamsFinished.WithLabelValues(outcome).Inc()
	m.StreamDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) toolCall(tool, decision string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, decision).Inc()
}

func (m *Metrics) proposal(result string) {
	if m == nil {
		return
	}
	m.Proposals.WithLabelValues(result).Inc()
}

func (m *Metrics) queued() {
	if m == nil {
		return
	}
	m.QueuedPrompts.Inc()
}

func (m *Metrics) quotaRejected() {
	if m == nil {
		return
	}
	m.QuotaRejections.Inc()
}

func (m *Metrics) compactionMarked() {
	if m == nil {
		return
	}
	m.CompactionsMarked.Inc()
}
