// Package metrics provides Prometheus metrics for Tidings components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all Tidings metrics.
	Namespace = "tidings"

	// Subsystem constants for metric organization.
	SubsystemScheduler  = "scheduler"
	SubsystemPipeline   = "pipeline"
	SubsystemQueue      = "queue"
	SubsystemCheckpoint = "checkpoint"
)

// Label constants for consistent labeling across metrics.
const (
	LabelSource    = "source"
	LabelStage     = "stage"
	LabelQueue     = "queue"
	LabelStatus    = "status"
	LabelErrorType = "error_type"
	LabelMode      = "mode"
)

var (
	// Scheduler Metrics

	// SchedulerRunsTotal counts extraction runs by outcome.
	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemScheduler,
			Name:      "runs_total",
			Help:      "Total number of extraction runs",
		},
		[]string{LabelSource, LabelMode, LabelStatus},
	)

	// SchedulerSkippedTotal counts triggers coalesced because a run was in flight.
	SchedulerSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemScheduler,
			Name:      "skipped_total",
			Help:      "Total number of triggers skipped because a run was in flight",
		},
		[]string{LabelSource},
	)

	// SchedulerItemsTotal counts items extracted and published to the capture queue.
	SchedulerItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemScheduler,
			Name:      "items_total",
			Help:      "Total number of items extracted",
		},
		[]string{LabelSource},
	)

	// SchedulerRunDuration tracks the duration of extraction runs.
	SchedulerRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemScheduler,
			Name:      "run_duration_seconds",
			Help:      "Duration of extraction runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
		},
		[]string{LabelSource},
	)

	// Pipeline Metrics

	// PipelineMessagesTotal counts messages handled by each stage, by outcome.
	PipelineMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPipeline,
			Name:      "messages_total",
			Help:      "Total number of messages handled by pipeline stages",
		},
		[]string{LabelStage, LabelStatus},
	)

	// PipelineErrorsTotal counts stage errors by classification.
	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPipeline,
			Name:      "errors_total",
			Help:      "Total number of pipeline stage errors",
		},
		[]string{LabelStage, LabelErrorType},
	)

	// PipelineStageDuration tracks per-message stage handling time.
	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPipeline,
			Name:      "stage_duration_seconds",
			Help:      "Duration of message handling per stage in seconds",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{LabelStage},
	)

	// PipelinePoisonTotal counts poison messages dropped by each stage.
	PipelinePoisonTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPipeline,
			Name:      "poison_total",
			Help:      "Total number of poison messages dropped",
		},
		[]string{LabelStage},
	)

	// Queue Metrics

	// QueuePublishedTotal counts published messages.
	QueuePublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemQueue,
			Name:      "published_total",
			Help:      "Total number of messages published",
		},
		[]string{LabelQueue},
	)

	// QueueRedeliveriesTotal counts messages received with the redelivered flag set.
	QueueRedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemQueue,
			Name:      "redeliveries_total",
			Help:      "Total number of redelivered messages",
		},
		[]string{LabelQueue},
	)

	// QueueUndecodableTotal counts bodies that could not be decoded and were dropped.
	QueueUndecodableTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemQueue,
			Name:      "undecodable_total",
			Help:      "Total number of undecodable messages dropped",
		},
		[]string{LabelQueue},
	)

	// Checkpoint Metrics

	// CheckpointTimestamp tracks the stored checkpoint per source (Unix seconds).
	CheckpointTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCheckpoint,
			Name:      "last_timestamp_seconds",
			Help:      "Newest fully processed item timestamp per source",
		},
		[]string{LabelSource},
	)

	// CheckpointAdvancesTotal counts advance attempts by outcome (advanced/stale).
	CheckpointAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemCheckpoint,
			Name:      "advances_total",
			Help:      "Total number of checkpoint advance attempts",
		},
		[]string{LabelSource, LabelStatus},
	)

	// allMetrics contains all metrics for registration.
	allMetrics = []prometheus.Collector{
		// Scheduler
		SchedulerRunsTotal,
		SchedulerSkippedTotal,
		SchedulerItemsTotal,
		SchedulerRunDuration,
		// Pipeline
		PipelineMessagesTotal,
		PipelineErrorsTotal,
		PipelineStageDuration,
		PipelinePoisonTotal,
		// Queue
		QueuePublishedTotal,
		QueueRedeliveriesTotal,
		QueueUndecodableTotal,
		// Checkpoint
		CheckpointTimestamp,
		CheckpointAdvancesTotal,
	}
)

// Register registers all Tidings metrics with the default Prometheus registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		for _, m := range allMetrics {
			prometheus.MustRegister(m)
		}
	})
}

// RegisterWith registers all Tidings metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a new Prometheus registry with all Tidings metrics
// and standard Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	RegisterWith(reg)

	return reg
}
