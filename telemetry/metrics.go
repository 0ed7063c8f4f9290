// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	linesDecoded     prometheus.Counter
	messagesAppended prometheus.Counter
	dedupMerges      prometheus.Counter
	echoesSuppressed prometheus.Counter
	reconnects       prometheus.Counter
	sendFailures     prometheus.Counter
	historyFailures  prometheus.Counter
	bridgeCorrelated prometheus.Counter

	// Gauges
	openConnections prometheus.Gauge
	participants    *prometheus.GaugeVec

	// Histograms (seconds)
	pipelineDuration prometheus.Observer
)

// Init registers metrics (idempotent). The helpers below no-op until Init has
// run, so library code can call them unconditionally.
func Init() {
	once.Do(func() {
		linesDecoded = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_lines_decoded_total", Help: "Wire lines decoded into events"})
		messagesAppended = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_messages_appended_total", Help: "Messages appended to a channel store"})
		dedupMerges = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_dedup_merges_total", Help: "Incoming messages merged into an existing entry"})
		echoesSuppressed = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_echoes_suppressed_total", Help: "Self-echo reflections discarded"})
		reconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Reconnect attempts scheduled"})
		sendFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_send_failures_total", Help: "Outgoing sends rejected (disconnected or anonymous)"})
		historyFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_history_write_failures_total", Help: "Best-effort history writes that failed"})
		bridgeCorrelated = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_bridge_correlated_total", Help: "EventSub messages merged into an optimistic local entry"})
		openConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_open_connections", Help: "Connections currently in the pool"})
		participants = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "chat_participants", Help: "Tracked participants per channel"}, []string{"channel"})
		pipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chat_pipeline_duration_seconds", Help: "Message pipeline handling duration", Buckets: prometheus.DefBuckets})
	})
}

func IncLinesDecoded() {
	if linesDecoded != nil {
		linesDecoded.Inc()
	}
}

func IncMessagesAppended() {
	if messagesAppended != nil {
		messagesAppended.Inc()
	}
}

func IncDedupMerges() {
	if dedupMerges != nil {
		dedupMerges.Inc()
	}
}

func IncEchoesSuppressed() {
	if echoesSuppressed != nil {
		echoesSuppressed.Inc()
	}
}

func IncReconnects() {
	if reconnects != nil {
		reconnects.Inc()
	}
}

func IncSendFailures() {
	if sendFailures != nil {
		sendFailures.Inc()
	}
}

func IncHistoryFailures() {
	if historyFailures != nil {
		historyFailures.Inc()
	}
}

func IncBridgeCorrelated() {
	if bridgeCorrelated != nil {
		bridgeCorrelated.Inc()
	}
}

// AddOpenConnections adjusts the pool connection gauge by delta.
func AddOpenConnections(delta int) {
	if openConnections != nil {
		openConnections.Add(float64(delta))
	}
}

// SetParticipants records a channel's tracked participant count.
func SetParticipants(channel string, n int) {
	if participants != nil {
		participants.WithLabelValues(channel).Set(float64(n))
	}
}

// TimePipeline measures fn and records its duration in the pipeline histogram.
func TimePipeline(fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if pipelineDuration != nil {
		pipelineDuration.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding a correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger carrying the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
