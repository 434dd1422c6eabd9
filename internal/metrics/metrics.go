// Package metrics exposes prometheus collectors for authentication attempts.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "user_external"

// Metrics counts authentication attempts per backend and outcome.
type Metrics struct {
	Attempts *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Users    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Number of password checks by backend and outcome",
		}, []string{"backend", "kind", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "duration_seconds",
			Help:      "Time spent checking a password against a backend",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "kind"}),
		Users: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "users_created_total",
			Help:      "Number of local identities created on first login",
		}, []string{"backend"}),
	}

	if reg != nil {
		reg.MustRegister(m.Attempts, m.Duration, m.Users)
	}
	return m
}

// ObserveAttempt records one password check. Safe on a nil receiver.
func (m *Metrics) ObserveAttempt(backend, kind, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(backend, kind, outcome).Inc()
	m.Duration.WithLabelValues(backend, kind).Observe(took.Seconds())
}

// UserCreated records a newly materialized identity. Safe on a nil receiver.
func (m *Metrics) UserCreated(backend string) {
	if m == nil {
		return
	}
	m.Users.WithLabelValues(backend).Inc()
}
