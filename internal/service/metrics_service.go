package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic, the
// summary cache and tuition workflow events. Every method is safe on a nil receiver.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheWrite      prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	paymentsCreated     *prometheus.CounterVec
	paymentsReviewed    *prometheus.CounterVec
	gatewayDeclines     prometheus.Counter
	plansReviewed       *prometheus.CounterVec
	installmentsSettled *prometheus.CounterVec
	notifications       *prometheus.CounterVec
	remindersSent       prometheus.Counter
	overdueMarked       prometheus.Counter
	receiptFailures     prometheus.Counter

	cacheHitCount  uint64
	cacheMissCount uint64
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheWrite := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_write_seconds",
		Help:    "Latency for cache set operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	paymentsCreated := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_payments_created_total",
		Help: "Payments recorded, by method and type",
	}, []string{"method", "type"})

	paymentsReviewed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_payments_reviewed_total",
		Help: "Payment review decisions",
	}, []string{"decision"})

	gatewayDeclines := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_gateway_declines_total",
		Help: "Card payments declined by the gateway",
	})

	plansReviewed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_plans_reviewed_total",
		Help: "Installment plan review decisions",
	}, []string{"decision"})

	installmentsSettled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_installments_settled_total",
		Help: "Plan settlements, by kind (down_payment or installment)",
	}, []string{"kind"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tuition_notifications_total",
		Help: "Email notification attempts, by kind and outcome",
	}, []string{"kind", "outcome"})

	remindersSent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_reminders_queued_total",
		Help: "Installment reminders queued by reminder runs",
	})

	overdueMarked := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_installments_overdue_marked_total",
		Help: "Installments flagged overdue by reminder runs",
	})

	receiptFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tuition_receipt_failures_total",
		Help: "Receipts that could not be generated at approval time",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheWrite, cacheHitRatio, cacheHits, cacheMisses,
		paymentsCreated, paymentsReviewed, gatewayDeclines, plansReviewed, installmentsSettled, notifications,
		remindersSent, overdueMarked, receiptFailures, goroutines)

	return &MetricsService{
		registry:            registry,
		handler:             promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestDuration:     requestDuration,
		requestTotal:        requestTotal,
		cacheLatency:        cacheLatency,
		cacheWrite:          cacheWrite,
		cacheHitRatio:       cacheHitRatio,
		cacheHits:           cacheHits,
		cacheMisses:         cacheMisses,
		paymentsCreated:     paymentsCreated,
		paymentsReviewed:    paymentsReviewed,
		gatewayDeclines:     gatewayDeclines,
		plansReviewed:       plansReviewed,
		installmentsSettled: installmentsSettled,
		notifications:       notifications,
		remindersSent:       remindersSent,
		overdueMarked:       overdueMarked,
		receiptFailures:     receiptFailures,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// RecordPaymentCreated counts a persisted payment.
func (m *MetricsService) RecordPaymentCreated(method, paymentType string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(method, paymentType).Inc()
}

// RecordGatewayDecline counts a declined card.
func (m *MetricsService) RecordGatewayDecline() {
	if m == nil {
		return
	}
	m.gatewayDeclines.Inc()
}

// RecordPaymentReview counts an approve or reject decision.
func (m *MetricsService) RecordPaymentReview(decision string) {
	if m == nil {
		return
	}
	m.paymentsReviewed.WithLabelValues(decision).Inc()
}

// RecordPlanReview counts an approve or reject decision on a plan.
func (m *MetricsService) RecordPlanReview(decision string) {
	if m == nil {
		return
	}
	m.plansReviewed.WithLabelValues(decision).Inc()
}

// RecordSettlement counts a down payment or installment applied to a plan.
func (m *MetricsService) RecordSettlement(kind string) {
	if m == nil {
		return
	}
	m.installmentsSettled.WithLabelValues(kind).Inc()
}

// RecordNotification counts a delivery attempt.
func (m *MetricsService) RecordNotification(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "sent"
	if !ok {
		outcome = "failed"
	}
	m.notifications.WithLabelValues(kind, outcome).Inc()
}

// RecordReminderRun adds the outcome of one reminder scan.
func (m *MetricsService) RecordReminderRun(overdue int64, queued int) {
	if m == nil {
		return
	}
	m.overdueMarked.Add(float64(overdue))
	m.remindersSent.Add(float64(queued))
}

// RecordReceiptFailure counts a receipt that could not be produced at approval.
func (m *MetricsService) RecordReceiptFailure() {
	if m == nil {
		return
	}
	m.receiptFailures.Inc()
}
