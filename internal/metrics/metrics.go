package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Agent lifecycle metrics
	AgentsSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_agents_spawned_total",
			Help: "Total number of agents spawned",
		},
		[]string{"role", "origin"},
	)

	AgentsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_agents_terminal_total",
			Help: "Total number of agents reaching a terminal status",
		},
		[]string{"role", "status"},
	)

	AgentsCrashed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiveplane_agents_crashed_total",
			Help: "Total number of workers that exited without a terminal event",
		},
	)

	AgentsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiveplane_agents_active",
			Help: "Number of agents currently running or paused",
		},
	)

	HierarchyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_hierarchy_violations_total",
			Help: "Total number of spawns rejected by the role hierarchy",
		},
		[]string{"parent_role", "child_role"},
	)

	// Cascade / steer metrics
	CascadeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_cascade_ops_total",
			Help: "Total number of cascading lifecycle operations",
		},
		[]string{"op"},
	)

	SteersDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_steers_total",
			Help: "Total number of steer attempts",
		},
		[]string{"urgency", "outcome"},
	)

	// Relay loop metrics
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_relay_events_total",
			Help: "Total number of worker events observed by the relay loop",
		},
		[]string{"kind"},
	)

	RelayTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiveplane_relay_ticks_total",
			Help: "Total number of relay loop iterations",
		},
	)

	SpawnProxyRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_spawn_proxy_rejected_total",
			Help: "Total number of proxied spawn requests rejected",
		},
		[]string{"reason"},
	)

	// Store metrics
	StoreWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hiveplane_store_writes_total",
			Help: "Total number of entries appended to the store",
		},
		[]string{"type"},
	)

	StoreWriteErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hiveplane_store_write_errors_total",
			Help: "Total number of failed store appends",
		},
	)

	StoreQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hiveplane_store_query_duration_seconds",
			Help:    "Store query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hiveplane_store_queue_depth",
			Help: "Current depth of the async store write queue",
		},
	)
)

// RecordTerminal records an agent reaching a terminal status.
func RecordTerminal(role, status string) {
	AgentsTerminal.WithLabelValues(role, status).Inc()
}

// RecordSteer records a steer attempt and its outcome.
func RecordSteer(urgency string, delivered bool) {
	outcome := "delivered"
	if !delivered {
		outcome = "unavailable"
	}
	SteersDelivered.WithLabelValues(urgency, outcome).Inc()
}
