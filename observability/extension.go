// Package observability provides a Prometheus metrics plugin for Rebill.
// Register it on the engine to export billing lifecycle counters and sweep
// timings; mount Handler on an HTTP mux to scrape them.
package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rebillhq/rebill/plugin"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                 = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCreated  = (*MetricsExtension)(nil)
	_ plugin.OnStatusChanged        = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionCanceled = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionExpired  = (*MetricsExtension)(nil)
	_ plugin.OnTrialConverted       = (*MetricsExtension)(nil)
	_ plugin.OnPaymentSucceeded     = (*MetricsExtension)(nil)
	_ plugin.OnPaymentFailed        = (*MetricsExtension)(nil)
	_ plugin.OnRefundIssued         = (*MetricsExtension)(nil)
	_ plugin.OnRetryScheduled       = (*MetricsExtension)(nil)
	_ plugin.OnRetriesExhausted     = (*MetricsExtension)(nil)
	_ plugin.OnGraceStarted         = (*MetricsExtension)(nil)
	_ plugin.OnSweepCompleted       = (*MetricsExtension)(nil)
)

// MetricsExtension records billing lifecycle metrics.
// Register it as a Rebill plugin to automatically track billing activity.
type MetricsExtension struct {
	registry *prometheus.Registry

	// Subscription metrics
	SubscriptionsCreated  prometheus.Counter
	SubscriptionsCanceled prometheus.Counter
	SubscriptionsExpired  prometheus.Counter
	TrialsConverted       prometheus.Counter
	StatusTransitions     *prometheus.CounterVec

	// Payment metrics
	Payments prometheus.Counter
	Declines *prometheus.CounterVec
	Refunds  prometheus.Counter

	// Retry and grace metrics
	RetriesScheduled *prometheus.CounterVec
	RetriesExhausted prometheus.Counter
	GraceWindows     prometheus.Counter

	// Sweep metrics
	SweepDuration *prometheus.HistogramVec
	SweepOutcomes *prometheus.CounterVec
}

// NewMetricsExtension creates a MetricsExtension registered on the given
// registry. A nil registry gets a fresh one; Registry exposes it either way.
func NewMetricsExtension(registry *prometheus.Registry) *MetricsExtension {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &MetricsExtension{
		registry: registry,

		// Subscription metrics
		SubscriptionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_subscriptions_created_total",
				Help: "Total number of subscriptions created",
			},
		),
		SubscriptionsCanceled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_subscriptions_canceled_total",
				Help: "Total number of subscriptions canceled",
			},
		),
		SubscriptionsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_subscriptions_expired_total",
				Help: "Total number of subscriptions expired",
			},
		),
		TrialsConverted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_trials_converted_total",
				Help: "Total number of trials converted to paid",
			},
		),
		StatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebill_status_transitions_total",
				Help: "Total number of subscription status transitions",
			},
			[]string{"from", "to"},
		),

		// Payment metrics
		Payments: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_payments_succeeded_total",
				Help: "Total number of successful payments",
			},
		),
		Declines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebill_payments_failed_total",
				Help: "Total number of failed payments by failure category",
			},
			[]string{"category"},
		),
		Refunds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_refunds_issued_total",
				Help: "Total number of refunds issued",
			},
		),

		// Retry and grace metrics
		RetriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebill_retries_scheduled_total",
				Help: "Total number of retry attempts scheduled, by attempt number",
			},
			[]string{"attempt"},
		),
		RetriesExhausted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_retries_exhausted_total",
				Help: "Total number of subscriptions that ran out of retries",
			},
		),
		GraceWindows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rebill_grace_windows_total",
				Help: "Total number of grace windows opened",
			},
		),

		// Sweep metrics
		SweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebill_sweep_duration_seconds",
				Help:    "Sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		SweepOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebill_sweep_subscriptions_total",
				Help: "Total number of subscriptions handled by sweeps",
			},
			[]string{"kind", "result"},
		),
	}

	registry.MustRegister(
		m.SubscriptionsCreated,
		m.SubscriptionsCanceled,
		m.SubscriptionsExpired,
		m.TrialsConverted,
		m.StatusTransitions,
		m.Payments,
		m.Declines,
		m.Refunds,
		m.RetriesScheduled,
		m.RetriesExhausted,
		m.GraceWindows,
		m.SweepDuration,
		m.SweepOutcomes,
	)

	return m
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// Registry returns the Prometheus registry the metrics live on.
func (m *MetricsExtension) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler serving the metrics in exposition format.
func (m *MetricsExtension) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ──────────────────────────────────────────────────
// Subscription lifecycle hooks
// ──────────────────────────────────────────────────

// OnSubscriptionCreated implements plugin.OnSubscriptionCreated.
func (m *MetricsExtension) OnSubscriptionCreated(_ context.Context, _ interface{}) error {
	m.SubscriptionsCreated.Inc()
	return nil
}

// OnStatusChanged implements plugin.OnStatusChanged.
func (m *MetricsExtension) OnStatusChanged(_ context.Context, _ interface{}, from, to, _ string) error {
	m.StatusTransitions.WithLabelValues(from, to).Inc()
	return nil
}

// OnSubscriptionCanceled implements plugin.OnSubscriptionCanceled.
func (m *MetricsExtension) OnSubscriptionCanceled(_ context.Context, _ interface{}) error {
	m.SubscriptionsCanceled.Inc()
	return nil
}

// OnSubscriptionExpired implements plugin.OnSubscriptionExpired.
func (m *MetricsExtension) OnSubscriptionExpired(_ context.Context, _ interface{}) error {
	m.SubscriptionsExpired.Inc()
	return nil
}

// OnTrialConverted implements plugin.OnTrialConverted.
func (m *MetricsExtension) OnTrialConverted(_ context.Context, _ interface{}) error {
	m.TrialsConverted.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payment lifecycle hooks
// ──────────────────────────────────────────────────

// OnPaymentSucceeded implements plugin.OnPaymentSucceeded.
func (m *MetricsExtension) OnPaymentSucceeded(_ context.Context, _ interface{}) error {
	m.Payments.Inc()
	return nil
}

// OnPaymentFailed implements plugin.OnPaymentFailed.
func (m *MetricsExtension) OnPaymentFailed(_ context.Context, _ interface{}, category string) error {
	m.Declines.WithLabelValues(category).Inc()
	return nil
}

// OnRefundIssued implements plugin.OnRefundIssued.
func (m *MetricsExtension) OnRefundIssued(_ context.Context, _ interface{}, _ interface{}) error {
	m.Refunds.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Retry and grace hooks
// ──────────────────────────────────────────────────

// OnRetryScheduled implements plugin.OnRetryScheduled.
func (m *MetricsExtension) OnRetryScheduled(_ context.Context, _ interface{}, attempt int, _ time.Time) error {
	m.RetriesScheduled.WithLabelValues(strconv.Itoa(attempt)).Inc()
	return nil
}

// OnRetriesExhausted implements plugin.OnRetriesExhausted.
func (m *MetricsExtension) OnRetriesExhausted(_ context.Context, _ interface{}) error {
	m.RetriesExhausted.Inc()
	return nil
}

// OnGraceStarted implements plugin.OnGraceStarted.
func (m *MetricsExtension) OnGraceStarted(_ context.Context, _ interface{}, _ time.Time) error {
	m.GraceWindows.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Sweep hooks
// ──────────────────────────────────────────────────

// OnSweepCompleted implements plugin.OnSweepCompleted.
func (m *MetricsExtension) OnSweepCompleted(_ context.Context, kind string, processed, failed int, elapsed time.Duration) error {
	m.SweepDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.SweepOutcomes.WithLabelValues(kind, "processed").Add(float64(processed))
	m.SweepOutcomes.WithLabelValues(kind, "failed").Add(float64(failed))
	return nil
}
