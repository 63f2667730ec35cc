// Package metrics concentra as métricas Prometheus do gateway de defesa.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decisões e políticas
var (
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_decisions_total",
			Help: "Total number of gateway decisions by reason and endpoint class",
		},
		[]string{"reason", "class"},
	)

	Lockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defense_lockouts_total",
			Help: "Total number of account lockouts issued",
		},
	)

	LoginOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_login_outcomes_total",
			Help: "Login outcomes reported back to the engine",
		},
		[]string{"result"},
	)

	Bans = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_bans_total",
			Help: "Total number of source bans issued",
		},
		[]string{"kind"},
	)

	SuspiciousSources = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defense_suspicious_sources_total",
			Help: "Times a source crossed the suspicious per-minute threshold",
		},
	)

	PolicyPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_policy_panics_total",
			Help: "Recovered panics inside policy evaluation",
		},
		[]string{"component"},
	)
)

// Modo de emergência
var (
	EmergencyActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "defense_emergency_active",
			Help: "1 while the global emergency throttle is engaged",
		},
	)

	EmergencyTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_emergency_transitions_total",
			Help: "Emergency mode transitions",
		},
		[]string{"state"},
	)
)

// Memória e limpeza
var (
	TrackedEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "defense_tracked_entries",
			Help: "Entries currently held by each in-memory store",
		},
		[]string{"store"},
	)

	SweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_sweep_removed_total",
			Help: "Entries reclaimed by the sweeper",
		},
		[]string{"store"},
	)

	SweepDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "defense_sweep_deferred_total",
			Help: "Entries skipped by the sweeper because their lock was busy",
		},
		[]string{"store"},
	)
)

// Gateway
var (
	StatsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "defense_stats_dropped_total",
			Help: "Decision stats events dropped because the async buffer was full",
		},
	)

	InflightRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_inflight_rejected_total",
			Help: "Requests rejected because no upstream slot was available",
		},
	)

	AdminRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admin_requests_total",
			Help: "Admin API requests by route and status code",
		},
		[]string{"route", "code"},
	)
)

// SetEmergency atualiza o gauge de emergência.
func SetEmergency(active bool) {
	if active {
		EmergencyActive.Set(1)
		return
	}
	EmergencyActive.Set(0)
}
