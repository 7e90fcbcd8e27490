// Package telemetry exposes the runtime's Prometheus metrics: a private
// registry (never the global default, so multiple runtimes can coexist
// in one process during tests) wrapped with a service label, mirroring
// the metrics-registration pattern used elsewhere in this codebase but
// scoped to the engine/registry/timeout/history components.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge the runtime records.
type Metrics struct {
	registry *prometheus.Registry

	EventsRouted       prometheus.Counter
	EventsIgnored      prometheus.Counter
	TransitionsTotal   prometheus.Counter
	StayTotal          prometheus.Counter
	ActionErrorsTotal  *prometheus.CounterVec // label: phase (entry/exit/stay)
	ActiveMachines     prometheus.Gauge

	TimeoutsScheduled prometheus.Counter
	TimeoutsFired     prometheus.Counter
	TimeoutsCancelled prometheus.Counter
	TimeoutsStale     prometheus.Counter

	ArchivalAttempts prometheus.Counter
	ArchivalFailures prometheus.Counter

	HistoryQueueDepth *prometheus.GaugeVec // label: machine_id
	HistoryDropped    prometheus.Counter
}

// New builds a Metrics instance against a fresh, private registry
// labeled with service.
func New(service string) *Metrics {
	registry := prometheus.NewRegistry()
	registerer := prometheus.WrapRegistererWith(prometheus.Labels{"service": service}, registry)

	return &Metrics{
		registry: registry,

		EventsRouted: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_events_routed_total",
			Help: "Total events successfully routed to a machine.",
		}),
		EventsIgnored: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_events_ignored_total",
			Help: "Total events dropped because the current state has no transition for them.",
		}),
		TransitionsTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_transitions_total",
			Help: "Total committed external (to) transitions.",
		}),
		StayTotal: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_stay_total",
			Help: "Total committed stay (internal) transitions.",
		}),
		ActionErrorsTotal: promauto.With(registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "fsm_action_errors_total",
			Help: "Total action failures by phase.",
		}, []string{"phase"}),
		ActiveMachines: promauto.With(registerer).NewGauge(prometheus.GaugeOpts{
			Name: "fsm_active_machines",
			Help: "Current number of live machines held by the registry.",
		}),

		TimeoutsScheduled: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_timeouts_scheduled_total",
			Help: "Total timers armed.",
		}),
		TimeoutsFired: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_timeouts_fired_total",
			Help: "Total timers that fired and were dispatched.",
		}),
		TimeoutsCancelled: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_timeouts_cancelled_total",
			Help: "Total timers cancelled before firing.",
		}),
		TimeoutsStale: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_timeouts_stale_total",
			Help: "Total timer fires discarded because the machine had already moved to a different state.",
		}),

		ArchivalAttempts: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_archival_attempts_total",
			Help: "Total archival attempts (insert-then-delete), including retries.",
		}),
		ArchivalFailures: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_archival_failures_total",
			Help: "Total archival attempts that exhausted their retry budget.",
		}),

		HistoryQueueDepth: promauto.With(registerer).NewGaugeVec(prometheus.GaugeOpts{
			Name: "fsm_history_queue_depth",
			Help: "Current pending rows in a machine's history queue.",
		}, []string{"machine_id"}),
		HistoryDropped: promauto.With(registerer).NewCounter(prometheus.CounterOpts{
			Name: "fsm_history_dropped_total",
			Help: "Total history rows dropped due to a full queue.",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's metrics in
// the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
