// Package metrics holds the Prometheus collectors for the upload and indexing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UploadURLsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_upload_urls_issued_total",
		Help: "Presigned URLs issued, by kind (upload, stream, ai_fetch).",
	}, []string{"kind"})

	UploadCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_upload_completions_total",
		Help: "Completed uploads by indexing outcome (queued, degraded, no_task, enqueue_failed).",
	}, []string{"indexing"})

	DirectUploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lecture_direct_upload_bytes_total",
		Help: "Bytes proxied to the object store by direct uploads.",
	})

	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_service_requests_total",
		Help: "Requests to the AI indexing service by operation and outcome.",
	}, []string{"op", "outcome"})

	SegmentationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_segmentation_duration_seconds",
		Help:    "Wall time of segment-video calls.",
		Buckets: prometheus.ExponentialBuckets(15, 2, 8), // 15s .. ~32m
	})

	SegmentWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_segment_writes_total",
		Help: "Segment list writes by target (course, lecturer) and outcome (applied, stale, missing, error).",
	}, []string{"target", "outcome"})

	IndexingTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lecture_indexing_tasks_total",
		Help: "Indexing task state transitions, by new status.",
	}, []string{"status"})

	WorkerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "segmentation_worker_jobs_total",
		Help: "Segmentation jobs handled by the worker, by outcome (done, skipped, retried, dead).",
	}, []string{"outcome"})
)
