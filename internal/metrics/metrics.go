// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_events_published_total",
		Help: "Outbox events handed to the queue, by result",
	}, []string{"result"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_events_processed_total",
		Help: "Events consumed, by entity type and outcome",
	}, []string{"entity_type", "outcome"})

	EventRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_event_retries_total",
		Help: "Transient failures that sent an event back for retry",
	}, []string{"entity_type"})

	EventDeferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_event_deferrals_total",
		Help: "Events requeued because an earlier version had not been applied yet",
	}, []string{"entity_type"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_events_failed_total",
		Help: "Events moved to FAILED and dead-lettered",
	}, []string{"entity_type", "reason"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_dead_letters_total",
		Help: "Messages moved to the dead-letter channel",
	}, []string{"reason"})

	ProcessingLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "graphsync_event_processing_latency_seconds",
		Help:    "Time from outbox insert to a terminal status",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"entity_type"})

	StuckPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "graphsync_outbox_stuck_pending",
		Help: "PENDING outbox rows older than the stuck threshold",
	})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_conflicts_detected_total",
		Help: "Conflicts recorded, by entity type and detector",
	}, []string{"entity_type", "detected_by"})

	ConflictsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_conflicts_resolved_total",
		Help: "Conflicts closed, by method",
	}, []string{"entity_type", "method"})

	ReconciliationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_reconciliation_runs_total",
		Help: "Reconciliation runs, by final status",
	}, []string{"status"})

	ReconciliationRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "graphsync_reconciliation_repairs_total",
		Help: "Repair events emitted by reconciliation",
	}, []string{"entity_type"})

	ReconciliationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "graphsync_reconciliation_duration_seconds",
		Help:    "Wall time of reconciliation runs",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
