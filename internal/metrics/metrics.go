// Package metrics exposes Prometheus counters for the update checker and chat
// commands. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "appwatch"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	checks        *prometheus.CounterVec
	checkDuration prometheus.Histogram
	lookups       *prometheus.CounterVec
	updates       prometheus.Counter
	notifications *prometheus.CounterVec
	commands      *prometheus.CounterVec
	apps          prometheus.Gauge
}

// New registers the appwatch collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Completed update check passes by result.",
		}, []string{"result"}),
		checkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall time of one update check pass.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		lookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "App Store lookups by result.",
		}, []string{"result"}),
		updates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_detected_total",
			Help:      "Version changes detected.",
		}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Update notifications by channel and result.",
		}, []string{"channel", "result"}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands handled by name.",
		}, []string{"command"}),
		apps: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "monitored_apps",
			Help:      "Apps seen in the last check pass.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCheck records one check pass.
func (m *Metrics) ObserveCheck(elapsed time.Duration, apps int, err error) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(result(err == nil)).Inc()
	m.checkDuration.Observe(elapsed.Seconds())
	m.apps.Set(float64(apps))
}

// Lookup records an App Store lookup outcome: "found", "missing" or "error".
func (m *Metrics) Lookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// UpdateDetected counts a version change.
func (m *Metrics) UpdateDetected() {
	if m == nil {
		return
	}
	m.updates.Inc()
}

// Notification records a delivery attempt on channel ("telegram" or "endpoint").
func (m *Metrics) Notification(channel string, ok bool) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(channel, result(ok)).Inc()
}

// Command counts a handled chat command.
func (m *Metrics) Command(name string) {
	if m == nil {
		return
	}
	if name == "" {
		name = "unknown"
	}
	m.commands.WithLabelValues(name).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
