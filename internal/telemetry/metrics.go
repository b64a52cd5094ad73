/*
Copyright (C) 2026 Saltline Software

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scheduler metrics.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_scheduler_commands_total",
		Help: "Scheduler commands processed, by command and result.",
	}, []string{"command", "result"})

	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "startline_scheduler_command_duration_seconds",
		Help:    "Command processing duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	InvalidTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_scheduler_invalid_transitions_total",
		Help: "Commands rejected because the entry was in the wrong state.",
	}, []string{"command"})

	GeneralRecallsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "startline_scheduler_general_recalls_total",
		Help: "General recalls issued.",
	})

	ActiveSchedules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "startline_schedules_active",
		Help: "Schedules currently running a start sequence.",
	})
)

// HTTP metrics.
var (
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_api_requests_total",
		Help: "HTTP requests, by method, endpoint, and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "startline_api_request_duration_seconds",
		Help:    "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "startline_api_active_connections",
		Help: "In-flight HTTP requests.",
	})
)

// Event fan-out metrics.
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_events_published_total",
		Help: "Domain events published, by event type.",
	}, []string{"event_type"})

	BroadcastClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "startline_broadcast_clients",
		Help: "Connected websocket event stream clients.",
	})
)

// Database metrics.
var (
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "startline_database_query_duration_seconds",
		Help:    "Database operation duration, by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_database_errors_total",
		Help: "Database errors, by operation and kind.",
	}, []string{"operation", "kind"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "startline_database_connections_active",
		Help: "Open database connections.",
	})
)

// Leader election metrics.
var (
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "startline_leader_election_status",
		Help: "1 when this instance holds the leader lease.",
	}, []string{"instance_id"})

	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "startline_leader_election_changes_total",
		Help: "Leadership transitions, by instance and direction.",
	}, []string{"instance_id", "change"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
