// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_conversations_total",
			Help: "Total number of conversations by outcome",
		},
		[]string{"outcome"},
	)

	ConversationTurns = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omnisearch_conversation_turns",
			Help:    "Retrieval rounds used per conversation",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	ConversationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omnisearch_conversation_duration_seconds",
			Help:    "Wall time of a conversation in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_retrievals_total",
			Help: "Total number of retrieval rounds by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ProviderAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_search_provider_attempts_total",
			Help: "Search provider attempts by operation and result",
		},
		[]string{"operation", "result"},
	)

	EvidenceCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_evidence_cache_lookups_total",
			Help: "Evidence cache lookups by backend and result",
		},
		[]string{"backend", "result"},
	)

	ImagesAttached = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "omnisearch_images_attached_total",
			Help: "Retrieved images attached to model context",
		},
	)

	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_model_calls_total",
			Help: "Model calls by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ModelCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnisearch_model_call_duration_seconds",
			Help:    "Duration of model calls in seconds, retries included",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"provider"},
	)

	DatasetRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnisearch_dataset_records_total",
			Help: "Dataset records handled by the batch runner",
		},
		[]string{"status"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)

	WorkerJobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "worker_jobs_active",
			Help: "Number of active jobs per worker",
		},
		[]string{"task_type"},
	)
)
