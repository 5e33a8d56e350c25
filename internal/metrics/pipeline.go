// Package metrics exposes Prometheus instrumentation for the deployment
// control plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelinesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deployctl_pipelines_started_total",
		Help: "Total number of pipeline executions started",
	})

	PipelinesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployctl_pipelines_completed_total",
		Help: "Total number of pipeline executions reaching a terminal state",
	}, []string{"status"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "deployctl_stage_duration_seconds",
		Help:    "Stage execution duration",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
	}, []string{"environment", "strategy", "status"})

	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployctl_lock_contention_total",
		Help: "Deployments that failed to acquire the environment lock in time",
	}, []string{"environment"})

	ApprovalDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployctl_approval_decisions_total",
		Help: "Approval gate resolutions by final status",
	}, []string{"status"})

	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deployctl_rollbacks_total",
		Help: "Rollback attempts by trigger and result",
	}, []string{"trigger", "result"})
)
