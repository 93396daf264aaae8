// Package telemetry provides logging and metrics for the gateway.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "personagw"

// Metrics collects Prometheus metrics for the gateway. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	windowTokens    *prometheus.HistogramVec
	activeWindows   prometheus.Gauge
	uploadsTotal    *prometheus.CounterVec
	promptRefreshes *prometheus.CounterVec
}

// NewMetrics creates a collector set on its own registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns handled, by persona, path and status.",
		}, []string{"persona", "path", "status"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn latency including generation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"persona", "path"}),
		windowTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "window_tokens",
			Help:      "Tokens in the fitted prompt window sent to the engine.",
			Buckets:   prometheus.ExponentialBuckets(32, 2, 8),
		}, []string{"persona"}),
		activeWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_windows",
			Help:      "Conversation windows held in memory.",
		}),
		uploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Media uploads, by kind and status.",
		}, []string{"kind", "status"}),
		promptRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompt_refreshes_total",
			Help:      "System prompt reloads, by persona and status.",
		}, []string{"persona", "status"}),
	}

	m.registry.MustRegister(
		m.turnsTotal,
		m.turnDuration,
		m.windowTokens,
		m.activeWindows,
		m.uploadsTotal,
		m.promptRefreshes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RecordTurn records a completed turn.
func (m *Metrics) RecordTurn(persona, path, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(persona, path, status).Inc()
	m.turnDuration.WithLabelValues(persona, path).Observe(d.Seconds())
}

// RecordWindowTokens records the size of a fitted window.
func (m *Metrics) RecordWindowTokens(persona string, tokens int) {
	if m == nil {
		return
	}
	m.windowTokens.WithLabelValues(persona).Observe(float64(tokens))
}

// SetActiveWindows sets the number of live conversation windows.
func (m *Metrics) SetActiveWindows(n int) {
	if m == nil {
		return
	}
	m.activeWindows.Set(float64(n))
}

// RecordUpload records a media upload attempt.
func (m *Metrics) RecordUpload(kind, status string) {
	if m == nil {
		return
	}
	m.uploadsTotal.WithLabelValues(kind, status).Inc()
}

// RecordPromptRefresh records a system prompt reload.
func (m *Metrics) RecordPromptRefresh(persona, status string) {
	if m == nil {
		return
	}
	m.promptRefreshes.WithLabelValues(persona, status).Inc()
}

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
