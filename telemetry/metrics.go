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
	ReconcileTotal  prometheus.Counter
	RenamesTotal    *prometheus.CounterVec // label: outcome
	RenamesSkipped  prometheus.Counter
	RetriesFired    prometheus.Counter
	PollCycles      prometheus.Counter
	EvictedChannels prometheus.Counter

	// Histograms (seconds)
	RenameDuration prometheus.Observer

	// Gauges
	PendingRetriesGauge  prometheus.Gauge
	TrackedChannelsGauge prometheus.Gauge
	GatewayReadyGauge    prometheus.Gauge // 1=ready,0=not ready
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		ReconcileTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "voicelabel_reconcile_total", Help: "Number of reconcile invocations"})
		RenamesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "voicelabel_renames_total", Help: "Rename requests by outcome"}, []string{"outcome"})
		RenamesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "voicelabel_renames_skipped_total", Help: "Reconciles that needed no rename"})
		RetriesFired = promauto.NewCounter(prometheus.CounterOpts{Name: "voicelabel_retries_fired_total", Help: "Retry entries acted on by the sweep"})
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "voicelabel_poll_cycles_total", Help: "Full voice channel polls"})
		EvictedChannels = promauto.NewCounter(prometheus.CounterOpts{Name: "voicelabel_evicted_channels_total", Help: "Channel records dropped"})
		RenameDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "voicelabel_rename_duration_seconds", Help: "Rename request duration seconds", Buckets: prometheus.DefBuckets})
		PendingRetriesGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicelabel_pending_retries", Help: "Channels waiting on a rate limit backoff"})
		TrackedChannelsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicelabel_tracked_channels", Help: "Channels with stored label records"})
		GatewayReadyGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "voicelabel_gateway_ready", Help: "Gateway session ready=1 not ready=0"})
	})
}

// ObserveRename counts one rename attempt under outcome.
func ObserveRename(outcome string) {
	if RenamesTotal != nil {
		RenamesTotal.WithLabelValues(outcome).Inc()
	}
}

// Inc increments c if it has been registered.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Add adds n to c if it has been registered.
func Add(c prometheus.Counter, n int) {
	if c != nil && n > 0 {
		c.Add(float64(n))
	}
}

// SetStoreGauges records tracked channel and pending retry counts.
func SetStoreGauges(tracked, pending int) {
	if TrackedChannelsGauge != nil {
		TrackedChannelsGauge.Set(float64(tracked))
	}
	if PendingRetriesGauge != nil {
		PendingRetriesGauge.Set(float64(pending))
	}
}

// UpdateGatewayGauge sets gauge to 1 if ready else 0.
func UpdateGatewayGauge(ready bool) {
	if GatewayReadyGauge == nil {
		return
	}
	if ready {
		GatewayReadyGauge.Set(1)
	} else {
		GatewayReadyGauge.Set(0)
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
