// Package metrics exposes Prometheus counters for the session layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the session-layer counters. A nil *Metrics is a no-op.
type Metrics struct {
	Revalidations *prometheus.CounterVec
	PurgeSteps    *prometheus.CounterVec
	Injections    *prometheus.CounterVec
	StorageErrors *prometheus.CounterVec
}

// New creates the counters and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Revalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusdesk",
			Name:      "revalidations_total",
			Help:      "Session revalidations by outcome.",
		}, []string{"outcome"}),
		PurgeSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusdesk",
			Name:      "purge_steps_total",
			Help:      "Logout purge steps by step name and result.",
		}, []string{"step", "result"}),
		Injections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusdesk",
			Name:      "credential_injections_total",
			Help:      "Outbound requests seen by the credential injector by decision.",
		}, []string{"decision"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "statusdesk",
			Name:      "storage_errors_total",
			Help:      "Swallowed storage errors by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Revalidations, m.PurgeSteps, m.Injections, m.StorageErrors)
	}
	return m
}

// Revalidation counts a revalidation outcome.
func (m *Metrics) Revalidation(outcome string) {
	if m == nil {
		return
	}
	m.Revalidations.WithLabelValues(outcome).Inc()
}

// PurgeStep counts a purge step result.
func (m *Metrics) PurgeStep(step string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.PurgeSteps.WithLabelValues(step, result).Inc()
}

// Injection counts an injector decision.
func (m *Metrics) Injection(decision string) {
	if m == nil {
		return
	}
	m.Injections.WithLabelValues(decision).Inc()
}

// StorageError counts a swallowed storage error.
func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(op).Inc()
}
