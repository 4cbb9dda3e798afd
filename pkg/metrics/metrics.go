// Package metrics declares the process counters exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActionRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontask_action_rows_total",
		Help: "Rows processed by action runs",
	}, []string{"variant", "outcome"})

	TrackingReads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ontask_tracking_reads_total",
		Help: "Accepted read tracking hits",
	})

	ScheduledRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontask_scheduled_runs_total",
		Help: "Scheduled operation executions by final status",
	}, []string{"status"})

	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ontask_merge_total",
		Help: "Data uploads and merges",
	}, []string{"how", "outcome"})
)
