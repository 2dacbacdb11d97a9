// Package metrics provides Prometheus metrics for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks queued actions by state
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fieldops",
			Subsystem: "queue",
			Name:      "actions",
			Help:      "Number of queued actions by state",
		},
		[]string{"state"},
	)

	// ActionsEnqueued tracks actions written to the queue
	ActionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Total number of actions enqueued by type",
		},
		[]string{"type"},
	)

	// ActionsReplayed tracks replay outcomes
	ActionsReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "sync",
			Name:      "actions_replayed_total",
			Help:      "Total number of replayed actions by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	// SyncPasses tracks sync passes by result
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total number of sync passes by result",
		},
		[]string{"result"},
	)

	// SyncPassDuration tracks sync pass duration in seconds
	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fieldops",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of sync passes in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// Online is 1 while the backend is reachable
	Online = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fieldops",
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the backend is reachable, 0 otherwise",
		},
	)

	// BackendRequests tracks façade and engine calls to the backend
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total number of backend requests by operation and result kind",
		},
		[]string{"op", "kind"},
	)

	// RealtimeChanges tracks applied realtime changes
	RealtimeChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fieldops",
			Subsystem: "realtime",
			Name:      "changes_total",
			Help:      "Total number of realtime changes by collection and resolution",
		},
		[]string{"collection", "resolution"},
	)
)

// RecordPass records one sync pass
func RecordPass(result string, durationSeconds float64) {
	SyncPasses.WithLabelValues(result).Inc()
	SyncPassDuration.Observe(durationSeconds)
}

// RecordReplay records one replayed action
func RecordReplay(actionType, outcome string) {
	ActionsReplayed.WithLabelValues(actionType, outcome).Inc()
}

// RecordQueue sets the queue depth gauges
func RecordQueue(pending, failed, blocked int) {
	QueueDepth.WithLabelValues("pending").Set(float64(pending))
	QueueDepth.WithLabelValues("failed").Set(float64(failed))
	QueueDepth.WithLabelValues("blocked").Set(float64(blocked))
}

// RecordOnline sets the connectivity gauge
func RecordOnline(online bool) {
	if online {
		Online.Set(1)
		return
	}
	Online.Set(0)
}

// RecordBackend records one backend request
func RecordBackend(op, kind string) {
	BackendRequests.WithLabelValues(op, kind).Inc()
}

// RecordRealtime records one realtime change and how it was resolved
func RecordRealtime(collection, resolution string) {
	RealtimeChanges.WithLabelValues(collection, resolution).Inc()
}

// RecordEnqueue records one queued action
func RecordEnqueue(actionType string) {
	ActionsEnqueued.WithLabelValues(actionType).Inc()
}
