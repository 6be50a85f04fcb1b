package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	metricPrefix = "water_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	ingestRequests *prometheus.CounterVec
	ingestLatency  *prometheus.HistogramVec

	commandsEnqueued prometheus.Counter
	commandsPolled   prometheus.Counter
	commandResults   *prometheus.CounterVec

	alertsCreated    *prometheus.CounterVec
	alertsSuppressed *prometheus.CounterVec

	sweepRuns    *prometheus.CounterVec
	sweepLatency *prometheus.HistogramVec
)

// Init registers service metrics and DB-backed gauges.
func Init(db *sql.DB, logger *zap.Logger) {
	registerOnce.Do(func() {
		ingestRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_requests_total",
				Help: "Total telemetry ingest requests by transport and result",
			},
			[]string{"transport", "result"},
		)
		ingestLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_latency_seconds",
				Help:    "Telemetry ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport"},
		)

		commandsEnqueued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_enqueued_total",
				Help: "Total enqueued commands",
			},
		)
		commandsPolled = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_polled_total",
				Help: "Total commands delivered to devices by poll",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Total command terminal transitions by status",
			},
			[]string{"status"},
		)

		alertsCreated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_created_total",
				Help: "Total alerts created by type",
			},
			[]string{"type"},
		)
		alertsSuppressed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alerts_suppressed_total",
				Help: "Total alerts suppressed by a dedup window, by type",
			},
			[]string{"type"},
		)

		sweepRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweep_runs_total",
				Help: "Total scheduled sweep runs by job and result",
			},
			[]string{"job", "result"},
		)
		sweepLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "sweep_latency_seconds",
				Help:    "Scheduled sweep latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		)

		prometheus.MustRegister(
			ingestRequests,
			ingestLatency,
			commandsEnqueued,
			commandsPolled,
			commandResults,
			alertsCreated,
			alertsSuppressed,
			sweepRuns,
			sweepLatency,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// ObserveIngest records ingest duration and result.
func ObserveIngest(transport, result string, duration time.Duration) {
	if transport == "" {
		transport = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if ingestRequests != nil {
		ingestRequests.WithLabelValues(transport, result).Inc()
	}
	if ingestLatency != nil {
		ingestLatency.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

// IncCommandEnqueued increments the enqueued command counter.
func IncCommandEnqueued() {
	if commandsEnqueued != nil {
		commandsEnqueued.Inc()
	}
}

// AddCommandsPolled increments the polled command counter by count.
func AddCommandsPolled(count int) {
	if count <= 0 {
		return
	}
	if commandsPolled != nil {
		commandsPolled.Add(float64(count))
	}
}

// AddCommandResults increments the terminal transition counter.
func AddCommandResults(status string, count int) {
	if count <= 0 {
		return
	}
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Add(float64(count))
	}
}

// IncAlertCreated increments the created alert counter.
func IncAlertCreated(alertType string) {
	if alertType == "" {
		alertType = "unknown"
	}
	if alertsCreated != nil {
		alertsCreated.WithLabelValues(alertType).Inc()
	}
}

// IncAlertSuppressed increments the dedup suppression counter.
func IncAlertSuppressed(alertType string) {
	if alertType == "" {
		alertType = "unknown"
	}
	if alertsSuppressed != nil {
		alertsSuppressed.WithLabelValues(alertType).Inc()
	}
}

// ObserveSweep records a sweep run.
func ObserveSweep(job, result string, duration time.Duration) {
	if job == "" {
		job = "unknown"
	}
	if result == "" {
		result = resultSuccess
	}
	if sweepRuns != nil {
		sweepRuns.WithLabelValues(job, result).Inc()
	}
	if sweepLatency != nil {
		sweepLatency.WithLabelValues(job).Observe(duration.Seconds())
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
	ResultSkipped = "skipped"
)
