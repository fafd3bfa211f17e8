// Package metrics provides Prometheus metrics for the file index service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Id allocation
	idAllocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_id_allocations_total",
			Help: "Snowflake id allocations by result",
		},
		[]string{"result"},
	)

	// Tree synchronization
	syncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_sync_runs_total",
			Help: "Tree synchronizations by status",
		},
		[]string{"status"},
	)

	syncEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_sync_entries_total",
			Help: "Index entries touched by synchronization",
		},
		[]string{"change"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fileserver_sync_duration_seconds",
			Help:    "Time to synchronize a subtree",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Tree deletion
	deleteRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_delete_runs_total",
			Help: "Tree deletions by status",
		},
		[]string{"status"},
	)

	deletedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileserver_deleted_entries_total",
			Help: "Index entries removed by tree deletion",
		},
	)

	blockedEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fileserver_blocked_entries_total",
			Help: "Entries kept because their backing object could not be removed",
		},
	)

	// Webhooks
	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_webhook_deliveries_total",
			Help: "Webhook delivery attempts",
		},
		[]string{"event", "status"},
	)

	webhookDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fileserver_webhook_duration_seconds",
			Help:    "Webhook call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Database
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileserver_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fileserver_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Storage
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fileserver_storage_operation_duration_seconds",
			Help:    "Backing storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fileserver_storage_operations_total",
			Help: "Total backing storage operations",
		},
		[]string{"backend", "operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIDAllocation records one allocation attempt.
func RecordIDAllocation(result string) {
	idAllocationsTotal.WithLabelValues(result).Inc()
}

// RecordSync records a finished synchronization.
func RecordSync(created, updated, missing int, duration time.Duration, success bool) {
	if !success {
		syncRunsTotal.WithLabelValues("error").Inc()
		return
	}
	syncRunsTotal.WithLabelValues("success").Inc()
	syncEntriesTotal.WithLabelValues("created").Add(float64(created))
	syncEntriesTotal.WithLabelValues("updated").Add(float64(updated))
	syncEntriesTotal.WithLabelValues("missing").Add(float64(missing))
	syncDuration.Observe(duration.Seconds())
}

// RecordDelete records a finished tree deletion.
func RecordDelete(deleted, blocked int, success bool) {
	if !success {
		deleteRunsTotal.WithLabelValues("error").Inc()
		return
	}
	deleteRunsTotal.WithLabelValues("success").Inc()
	deletedEntriesTotal.Add(float64(deleted))
	blockedEntriesTotal.Add(float64(blocked))
}

// RecordWebhook records a webhook delivery attempt.
func RecordWebhook(event string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	webhookDeliveriesTotal.WithLabelValues(event, status).Inc()
	webhookDuration.Observe(duration.Seconds())
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open database connections.
func SetDBConnectionsOpen(count int) {
	dbConnectionsOpen.Set(float64(count))
}

// RecordStorageOperation records a backing storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	storageOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationsTotal.WithLabelValues(backend, operation, status).Inc()
}
