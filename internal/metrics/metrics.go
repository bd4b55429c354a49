package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_events_appended_total",
		Help: "Total number of event log rows appended, labelled by event type.",
	}, []string{"event_type"})

	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_events_pruned_total",
		Help: "Total number of event log rows removed by the retention sweep.",
	})

	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_job_runs_total",
		Help: "Total number of job runs, labelled by job and result status.",
	}, []string{"job", "status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpulse_job_duration_ms",
		Help:    "Job run latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
	}, []string{"job"})

	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpulse_jobs_dropped_total",
		Help: "Total number of scheduled runs rejected because the worker queue was full.",
	}, []string{"job"})

	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpulse_aggregation_duration_ms",
		Help:    "On-demand aggregation latency in milliseconds, labelled by kind.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"kind"})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpulse_live_connections",
		Help: "Current number of open live-update websocket connections.",
	})

	LiveBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpulse_live_broadcasts_total",
		Help: "Total number of events fanned out to live-update connections.",
	})
)
