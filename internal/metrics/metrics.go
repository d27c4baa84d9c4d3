// Package metrics exposes Prometheus counters for lock and cloud operations.
//
// A nil *Metrics is valid and records nothing, so packages can take one
// without forcing callers to set up a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the service counters.
type Metrics struct {
	lockOps       *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	listPages     *prometheus.CounterVec
	retries       *prometheus.CounterVec
	authCallbacks *prometheus.CounterVec
}

// New registers the counters on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		lockOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metavault_lock_operations_total",
				Help: "Metafile lock operations by operation and outcome",
			},
			[]string{"op", "outcome"}, // op: acquire, release, force_release, record_version
		),
		refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metavault_credential_refreshes_total",
				Help: "Credential refresh exchanges by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		listPages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metavault_list_pages_total",
				Help: "Remote listing pages fetched by backend",
			},
			[]string{"backend"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metavault_transport_retries_total",
				Help: "Retried provider calls by backend",
			},
			[]string{"backend"},
		),
		authCallbacks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metavault_auth_callbacks_total",
				Help: "OAuth callbacks by backend and result",
			},
			[]string{"backend", "result"},
		),
	}
}

// LockOp counts a lock operation outcome ("ok", "conflict", "invalid_token", "error").
func (m *Metrics) LockOp(op, outcome string) {
	if m == nil {
		return
	}
	m.lockOps.WithLabelValues(op, outcome).Inc()
}

// Refresh counts a credential refresh.
func (m *Metrics) Refresh(backend string, ok bool) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(backend, outcome(ok)).Inc()
}

// ListPage counts one fetched listing page.
func (m *Metrics) ListPage(backend string) {
	if m == nil {
		return
	}
	m.listPages.WithLabelValues(backend).Inc()
}

// Retry counts one retried provider call.
func (m *Metrics) Retry(backend string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(backend).Inc()
}

// AuthCallback counts an OAuth callback result.
func (m *Metrics) AuthCallback(backend string, ok bool) {
	if m == nil {
		return
	}
	m.authCallbacks.WithLabelValues(backend, outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
