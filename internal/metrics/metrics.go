// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkflowsCreated counts workflows materialized by the routing entry point.
	WorkflowsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm_approvals",
		Name:      "workflows_created_total",
		Help:      "Approval workflows created, by entity type.",
	}, []string{"entity_type"})

	// Decisions counts committed step decisions by outcome.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm_approvals",
		Name:      "decisions_total",
		Help:      "Committed approval step decisions, by decision.",
	}, []string{"decision"})

	// WorkflowsCompleted counts workflows reaching a terminal status.
	WorkflowsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pm_approvals",
		Name:      "workflows_completed_total",
		Help:      "Workflows reaching a terminal status, by status.",
	}, []string{"status"})

	// OverdueFlagged counts workflows newly flagged overdue by the sweeper.
	OverdueFlagged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pm_approvals",
		Name:      "overdue_flagged_total",
		Help:      "Workflows newly flagged overdue by the escalation sweeper.",
	})

	// NotificationFailures counts swallowed notification publish errors.
	NotificationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pm_approvals",
		Name:      "notification_failures_total",
		Help:      "Notification publishes that failed and were dropped.",
	})
)
