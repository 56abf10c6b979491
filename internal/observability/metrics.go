package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	discardedTotal *prometheus.CounterVec
	overflowTotal  *prometheus.CounterVec
	parseErrors    *prometheus.CounterVec

	activeSessions prometheus.Gauge
	scheduledTotal prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "amcp_queue_size",
					Help: "Commands waiting to execute by queue.",
				},
				[]string{"queue"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "amcp_enqueue_total",
					Help: "Total commands enqueued by queue.",
				},
				[]string{"queue"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "amcp_dequeue_total",
					Help: "Total commands executed by queue and status.",
				},
				[]string{"queue", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "amcp_command_duration_seconds",
					Help:    "Command execution duration in seconds by queue.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"queue"},
			),
			discardedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "amcp_commands_discarded_total",
					Help: "Commands purged before execution by queue.",
				},
				[]string{"queue"},
			),
			overflowTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "amcp_scheduler_overflow_total",
					Help: "Submissions rejected because the scheduler was at capacity.",
				},
				[]string{"scheduler"},
			),
			parseErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "amcp_parse_errors_total",
					Help: "Protocol lines rejected by the dispatcher by reply code.",
				},
				[]string{"code"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "amcp_active_sessions",
					Help: "Current connected client sessions.",
				},
			),
			scheduledTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "amcp_scheduled_commands",
					Help: "Current number of timed command entries.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.discardedTotal,
			m.overflowTotal,
			m.parseErrors,
			m.activeSessions,
			m.scheduledTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(queue string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(queue).Inc()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func SetQueueSize(queue string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordQueueCompletion(queue string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(queue, status).Inc()
	m.taskDuration.WithLabelValues(queue).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(queue).Set(float64(queueSize))
}

func RecordCommandsDiscarded(queue string, count int) {
	if count <= 0 {
		return
	}
	m := getMetrics()
	m.discardedTotal.WithLabelValues(queue).Add(float64(count))
}

func RecordSchedulerOverflow(scheduler string) {
	m := getMetrics()
	m.overflowTotal.WithLabelValues(scheduler).Inc()
}

func RecordParseError(code int) {
	m := getMetrics()
	m.parseErrors.WithLabelValues(strconv.Itoa(code)).Inc()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func SetScheduledCommands(count int) {
	m := getMetrics()
	m.scheduledTotal.Set(float64(count))
}
