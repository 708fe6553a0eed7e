package pipeline

import "github.com/prometheus/client_golang/prometheus"

// Prometheus collectors for the pipeline substrate, following the teacher's
// package-level counter convention (metrics.go, tcp.go, udp.go).
var (
	RingPushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "pipeline",
		Name:      "ring_pushes_total",
		Help:      "Total number of messages pushed into a ring buffer, by stage",
	}, []string{"stage"})

	RingPopsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "pipeline",
		Name:      "ring_pops_total",
		Help:      "Total number of messages popped from a ring buffer, by stage",
	}, []string{"stage"})

	StageTerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "pipeline",
		Name:      "stage_terminations_total",
		Help:      "Total number of termination messages observed by a stage, by stage and flavor",
	}, []string{"stage", "flavor"})

	StageErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collector",
		Subsystem: "pipeline",
		Name:      "stage_errors_total",
		Help:      "Total number of errors surfaced to a stage, by stage and error kind",
	}, []string{"stage", "kind"})
)
