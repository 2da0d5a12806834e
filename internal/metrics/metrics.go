// Package metrics exposes Prometheus counters/histograms for the
// orchestration core: job/task transitions, selector rejections, scanner
// reclaims/failures, and stream depth (SPEC_FULL.md §12, grounded on
// r3e-network-service_layer/pkg/metrics' registration style).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsTransitioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dalston",
		Subsystem: "orchestrator",
		Name:      "jobs_transitioned_total",
		Help:      "Job status transitions handled by the event loop.",
	}, []string{"status"})

	TasksTransitioned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dalston",
		Subsystem: "orchestrator",
		Name:      "tasks_transitioned_total",
		Help:      "Task status transitions handled by the event loop.",
	}, []string{"stage", "status"})

	SelectorRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dalston",
		Subsystem: "selector",
		Name:      "no_capable_engine_total",
		Help:      "Count of no_capable_engine selector failures by stage.",
	}, []string{"stage"})

	ScannerReclaims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dalston",
		Subsystem: "scanner",
		Name:      "reclaims_total",
		Help:      "Stale-task scanner actions by outcome.",
	}, []string{"reason"})

	StreamDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dalston",
		Subsystem: "streams",
		Name:      "pending_depth",
		Help:      "Pending-entries count observed per stage stream.",
	}, []string{"stage"})

	EventLoopLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dalston",
		Subsystem: "orchestrator",
		Name:      "event_handle_seconds",
		Help:      "Time spent handling one event in the scheduler loop.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})
)

// NewRegistry returns a dedicated Prometheus registry (rather than the global
// default) so tests can construct isolated instances without collector
// double-registration panics.
func NewRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(JobsTransitioned, TasksTransitioned, SelectorRejections, ScannerReclaims, StreamDepth, EventLoopLatency)
	return r
}
