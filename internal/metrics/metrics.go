package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopyflow_jobs_created_total",
			Help: "Total number of jobs created from uploads or derived requests",
		},
		[]string{"kind"},
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopyflow_jobs_finished_total",
			Help: "Total number of jobs that reached a terminal status",
		},
		[]string{"kind", "status"}, // completed, failed
	)

	StageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopyflow_stage_failures_total",
			Help: "Total number of pipeline stage failures",
		},
		[]string{"kind", "stage"},
	)

	ToolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canopyflow_tool_invocations_total",
			Help: "Total number of external tool invocations",
		},
		[]string{"tool", "outcome"}, // ok, exit, contract, cancelled
	)

	ProgressEventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "canopyflow_progress_events_dropped_total",
			Help: "Progress events published while no subscriber was attached",
		},
	)

	// Gauges
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopyflow_queue_depth",
			Help: "Current number of runs waiting for a worker",
		},
	)

	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopyflow_running_jobs",
			Help: "Current number of pipeline runs being executed",
		},
	)

	ProgressSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "canopyflow_progress_subscribers",
			Help: "Current number of attached progress subscribers",
		},
	)

	// Histograms
	// Buckets: 0.5s doubling up to ~4.5h; geospatial tools run for minutes.
	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopyflow_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 15),
		},
		[]string{"kind", "stage"},
	)

	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canopyflow_job_duration_seconds",
			Help:    "Whole pipeline run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 15),
		},
		[]string{"kind"},
	)
)
