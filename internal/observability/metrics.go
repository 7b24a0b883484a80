package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	inboundTotal *prometheus.CounterVec

	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	runningExecutions  prometheus.Gauge
	slotRejections     *prometheus.CounterVec
	queuedWaits        prometheus.Counter
	activeSessions     prometheus.Gauge
	supervisedChildren prometheus.Gauge

	outboundTotal    *prometheus.CounterVec
	deliveryRetries  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	outboxPending    *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			inboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "p42r_inbound_messages_total",
					Help: "Inbound chat messages by platform.",
				},
				[]string{"platform"},
			),
			executionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "p42r_executions_total",
					Help: "Finished executions by verb and terminal state.",
				},
				[]string{"verb", "state"},
			),
			executionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "p42r_execution_duration_seconds",
					Help:    "Execution wall time in seconds by verb.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"verb"},
			),
			runningExecutions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "p42r_running_executions",
					Help: "Executions currently in the running state.",
				},
			),
			slotRejections: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "p42r_slot_rejections_total",
					Help: "Slot acquisitions rejected by reason.",
				},
				[]string{"reason"},
			),
			queuedWaits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "p42r_queued_requests_total",
					Help: "Requests that waited for a free slot.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "p42r_active_sessions",
					Help: "Sessions currently tracked by the registry.",
				},
			),
			supervisedChildren: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "p42r_supervised_processes",
					Help: "Live child processes owned by the supervisor.",
				},
			),
			outboundTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "p42r_outbound_messages_total",
					Help: "Outbound deliveries by platform and outcome.",
				},
				[]string{"platform", "outcome"},
			),
			deliveryRetries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "p42r_delivery_retries_total",
					Help: "Delivery retry attempts by platform.",
				},
				[]string{"platform"},
			),
			deliveryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "p42r_delivery_duration_seconds",
					Help:    "Time spent delivering one outbound message, retries included.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"platform"},
			),
			outboxPending: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "p42r_outbox_pending",
					Help: "Undelivered outbound messages by platform.",
				},
				[]string{"platform"},
			),
		}

		prometheus.MustRegister(
			m.inboundTotal,
			m.executionsTotal,
			m.executionDuration,
			m.runningExecutions,
			m.slotRejections,
			m.queuedWaits,
			m.activeSessions,
			m.supervisedChildren,
			m.outboundTotal,
			m.deliveryRetries,
			m.deliveryDuration,
			m.outboxPending,
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

func RecordInbound(platform string) {
	getMetrics().inboundTotal.WithLabelValues(platform).Inc()
}

func RecordExecutionStarted() {
	getMetrics().runningExecutions.Inc()
}

// RecordExecutionFinished records a terminal state. wasRunning tells whether
// the execution had entered running and must leave the gauge.
func RecordExecutionFinished(verb, state string, duration time.Duration, wasRunning bool) {
	m := getMetrics()
	m.executionsTotal.WithLabelValues(verb, state).Inc()
	if wasRunning {
		m.runningExecutions.Dec()
		m.executionDuration.WithLabelValues(verb).Observe(duration.Seconds())
	}
}

func RecordSlotRejection(reason string) {
	getMetrics().slotRejections.WithLabelValues(reason).Inc()
}

func RecordQueuedWait() {
	getMetrics().queuedWaits.Inc()
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func SetSupervisedProcesses(count int) {
	getMetrics().supervisedChildren.Set(float64(count))
}

func RecordDelivery(platform string, duration time.Duration, success bool) {
	m := getMetrics()
	outcome := "failed"
	if success {
		outcome = "delivered"
	}
	m.outboundTotal.WithLabelValues(platform, outcome).Inc()
	m.deliveryDuration.WithLabelValues(platform).Observe(duration.Seconds())
}

func RecordDeliveryRetry(platform string) {
	getMetrics().deliveryRetries.WithLabelValues(platform).Inc()
}

func AddOutboxPending(platform string, delta int) {
	getMetrics().outboxPending.WithLabelValues(platform).Add(float64(delta))
}
