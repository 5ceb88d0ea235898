// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
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
	EventsReceived    prometheus.Counter
	EventsRejected    *prometheus.CounterVec // reason
	Deliveries        *prometheus.CounterVec // outcome: delivered|rate_limited|failed
	RelayQueries      *prometheus.CounterVec // relay, outcome: ok|timeout|error
	PollCycles        prometheus.Counter
	PollCycleFailures prometheus.Counter

	// Histograms (seconds)
	PollDuration     prometheus.Observer
	DeliveryDuration prometheus.Observer

	// Gauges
	LedgerSizeGauge prometheus.Gauge
	CursorGauge     prometheus.Gauge // unix seconds
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "nostrhook_events_received_total", Help: "Candidate events entering the admission pipeline"})
		EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nostrhook_events_rejected_total", Help: "Candidate events rejected before delivery, by reason"}, []string{"reason"})
		Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nostrhook_deliveries_total", Help: "Webhook delivery attempts, by outcome"}, []string{"outcome"})
		RelayQueries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "nostrhook_relay_queries_total", Help: "Relay queries, by relay and outcome"}, []string{"relay", "outcome"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "nostrhook_poll_cycles_total", Help: "Number of poll cycles run"})
		PollCycleFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "nostrhook_poll_cycle_failures_total", Help: "Poll cycles aborted because no source answered"})
		PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "nostrhook_poll_duration_seconds", Help: "Poll cycle duration seconds", Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}})
		DeliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "nostrhook_delivery_duration_seconds", Help: "Webhook delivery duration seconds", Buckets: prometheus.DefBuckets})
		LedgerSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "nostrhook_ledger_size", Help: "Event ids currently held by the dedup ledger"})
		CursorGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "nostrhook_cursor_timestamp_seconds", Help: "Progress cursor watermark (unix seconds)"})
	})
}

// IncEventsReceived counts a candidate event.
func IncEventsReceived() {
	if EventsReceived != nil {
		EventsReceived.Inc()
	}
}

// IncRejected counts a rejected event by reason.
func IncRejected(reason string) {
	if EventsRejected != nil {
		EventsRejected.WithLabelValues(reason).Inc()
	}
}

// IncDelivery counts a delivery attempt by outcome.
func IncDelivery(outcome string) {
	if Deliveries != nil {
		Deliveries.WithLabelValues(outcome).Inc()
	}
}

// IncRelayQuery counts a relay query by outcome.
func IncRelayQuery(relay, outcome string) {
	if RelayQueries != nil {
		RelayQueries.WithLabelValues(relay, outcome).Inc()
	}
}

// IncPollCycle counts a poll cycle and, when failed, a cycle failure.
func IncPollCycle(failed bool) {
	if PollCycles != nil {
		PollCycles.Inc()
	}
	if failed && PollCycleFailures != nil {
		PollCycleFailures.Inc()
	}
}

// SetLedgerSize records the current ledger size.
func SetLedgerSize(n int) {
	if LedgerSizeGauge != nil {
		LedgerSizeGauge.Set(float64(n))
	}
}

// SetCursor records the cursor watermark.
func SetCursor(ts int64) {
	if CursorGauge != nil {
		CursorGauge.Set(float64(ts))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
