// Package metrics exposes the kernel's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics groups the collectors the kernel registers against one
// prometheus.Registerer at startup.
type Metrics struct {
	SystemDuration  *prometheus.HistogramVec
	SystemRetries   *prometheus.CounterVec
	CommitTotal     *prometheus.CounterVec
	SubscriptionsGauge *prometheus.GaugeVec
	ConnectionsGauge   prometheus.Gauge
	FutureCallsFired   *prometheus.CounterVec
}

// New builds and registers the kernel's collectors. Grounded on the
// teacher's infrastructure/metrics package shape (CounterVec/HistogramVec/
// GaugeVec registered in a constructor against a passed-in Registerer).
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SystemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hetu_system_duration_seconds",
			Help:    "Duration of system call execution including retries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"namespace", "system"}),
		SystemRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hetu_system_retries_total",
			Help: "Total number of RACE-triggered retries per system.",
		}, []string{"namespace", "system"}),
		CommitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hetu_commit_total",
			Help: "Total backend commits by outcome.",
		}, []string{"backend", "outcome"}),
		SubscriptionsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hetu_subscriptions",
			Help: "Currently active subscriptions by kind (row|index).",
		}, []string{"kind"}),
		ConnectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hetu_connections",
			Help: "Currently live connections.",
		}),
		FutureCallsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hetu_future_calls_fired_total",
			Help: "Total future calls fired by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.SystemDuration,
		m.SystemRetries,
		m.CommitTotal,
		m.SubscriptionsGauge,
		m.ConnectionsGauge,
		m.FutureCallsFired,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// NewForTest builds a Metrics instance registered against a private
// registry, for use in package tests that would otherwise collide on the
// default registerer across parallel test binaries.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
