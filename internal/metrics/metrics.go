// Package metrics exposes Prometheus collectors for batching and uploads.
//
// A nil *Metrics is valid and records nothing, so components take metrics
// as an optional dependency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "patchlog"

// Metrics holds the collectors.
type Metrics struct {
	Clicks        *prometheus.CounterVec
	Evaluations   *prometheus.CounterVec
	Finalizations prometheus.Counter
	FinalUnits    prometheus.Counter
	Uploads       *prometheus.CounterVec
	OpenClicks    prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg creates a private
// registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Clicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clicks_total",
			Help:      "Click commands processed, by kind (click, undo, reset).",
		}, []string{"kind"}),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Expiration evaluations, by outcome.",
		}, []string{"outcome"}),
		Finalizations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalizations_total",
			Help:      "Batches finalized into dose records.",
		}),
		FinalUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalized_units_total",
			Help:      "Insulin units in finalized dose records.",
		}),
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Dose upload attempts, by result (success, failure).",
		}, []string{"result"}),
		OpenClicks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_batch_clicks",
			Help:      "Clicks in the currently open batch.",
		}),
	}
	reg.MustRegister(m.Clicks, m.Evaluations, m.Finalizations, m.FinalUnits, m.Uploads, m.OpenClicks)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

// ObserveCommand counts a click, undo or reset and records the open batch size.
func (m *Metrics) ObserveCommand(kind string, openClicks int) {
	if m == nil {
		return
	}
	m.Clicks.WithLabelValues(kind).Inc()
	m.OpenClicks.Set(float64(openClicks))
}

// ObserveEvaluation counts an evaluation outcome.
func (m *Metrics) ObserveEvaluation(outcome string) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(outcome).Inc()
}

// ObserveFinalization counts a finalized dose.
func (m *Metrics) ObserveFinalization(units float64) {
	if m == nil {
		return
	}
	m.Finalizations.Inc()
	m.FinalUnits.Add(units)
	m.OpenClicks.Set(0)
}

// ObserveUpload counts an upload attempt.
func (m *Metrics) ObserveUpload(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.Uploads.WithLabelValues(result).Inc()
}

// Handler serves the registry the collectors were registered with, or the
// default gatherer if that registry cannot be gathered.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
