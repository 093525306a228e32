// Package metrics exposes monitor counters on an injected Prometheus registry.
//
// All methods are nil-safe so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "slotwatch"

type Metrics struct {
	cycles           *prometheus.CounterVec
	cycleDuration    *prometheus.HistogramVec
	categoryDuration *prometheus.HistogramVec
	categorySkips    *prometheus.CounterVec
	failures         *prometheus.CounterVec
	sessionRestarts  *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	newSlots         *prometheus.CounterVec
	removed          *prometheus.CounterVec
	reachable        *prometheus.GaugeVec
	lastCycle        *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Completed polling cycles per worker.",
		}, []string{"worker"}),
		cycleDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Wall time of one polling cycle.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"worker"}),
		categoryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "category_duration_seconds",
			Help:    "Wall time spent on one category.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"category"}),
		categorySkips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "category_skips_total",
			Help: "Categories skipped for a cycle after exhausting retries.",
		}, []string{"category"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "failures_total",
			Help: "Classified failures by kind.",
		}, []string{"kind"}),
		sessionRestarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_restarts_total",
			Help: "Automation session restarts by reason.",
		}, []string{"reason"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deliveries_total",
			Help: "Push deliveries by outcome.",
		}, []string{"outcome"}),
		newSlots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "new_slots_total",
			Help: "Newly observed slot identities.",
		}, []string{"category"}),
		removed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "subscriptions_removed_total",
			Help: "Subscriptions removed by reason.",
		}, []string{"reason"}),
		reachable: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "reachable_locations",
			Help: "Reachable locations seen in the last check of a category.",
		}, []string{"category"}),
		lastCycle: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "last_cycle_timestamp_seconds",
			Help: "Unix time of the last completed cycle per worker.",
		}, []string{"worker"}),
	}
}

// NewRegistry returns a registry with the Go and process collectors and the
// monitor metrics registered on it.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, New(reg)
}

func (m *Metrics) Cycle(worker string, d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(worker).Inc()
	m.cycleDuration.WithLabelValues(worker).Observe(d.Seconds())
	m.lastCycle.WithLabelValues(worker).Set(float64(at.Unix()))
}

func (m *Metrics) Category(category string, d time.Duration, reachable int) {
	if m == nil {
		return
	}
	m.categoryDuration.WithLabelValues(category).Observe(d.Seconds())
	m.reachable.WithLabelValues(category).Set(float64(reachable))
}

func (m *Metrics) CategorySkipped(category string) {
	if m == nil {
		return
	}
	m.categorySkips.WithLabelValues(category).Inc()
}

func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionRestart(reason string) {
	if m == nil {
		return
	}
	m.sessionRestarts.WithLabelValues(reason).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) NewSlots(category string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.newSlots.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) SubscriptionRemoved(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.removed.WithLabelValues(reason).Add(float64(n))
}
