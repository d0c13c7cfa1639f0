package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the Prometheus instruments of the service. A nil *Metrics
// records nothing.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	DerivationTransitionsTotal *prometheus.CounterVec
	DerivationFailuresTotal    *prometheus.CounterVec
	NotificationFailuresTotal  *prometheus.CounterVec
	StatsCacheHitsTotal        prometheus.Counter
	StatsCacheMissesTotal      prometheus.Counter
	WebhookDeliveriesTotal     *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// InitMetrics creates and registers all metric instruments on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casedesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		DerivationTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_derivation_transitions_total",
			Help: "Derivation state transitions by target state.",
		}, []string{"transition"}),
		DerivationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_derivation_failures_total",
			Help: "Refused derivation operations by operation and reason code.",
		}, []string{"operation", "code"}),
		NotificationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_notification_failures_total",
			Help: "Notifications that could not be delivered, by sink.",
		}, []string{"sink"}),
		StatsCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casedesk_stats_cache_hits_total",
			Help: "Stats cache hits.",
		}),
		StatsCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casedesk_stats_cache_misses_total",
			Help: "Stats cache misses.",
		}),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casedesk_webhook_deliveries_total",
			Help: "Webhook deliveries by outcome.",
		}, []string{"webhook", "outcome"}),
	}
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DerivationTransitionsTotal,
		m.DerivationFailuresTotal,
		m.NotificationFailuresTotal,
		m.StatsCacheHitsTotal,
		m.StatsCacheMissesTotal,
		m.WebhookDeliveriesTotal,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m
}

func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.DerivationTransitionsTotal.WithLabelValues(transition).Inc()
}

func (m *Metrics) RecordFailure(operation, code string) {
	if m == nil {
		return
	}
	m.DerivationFailuresTotal.WithLabelValues(operation, code).Inc()
}

func (m *Metrics) RecordNotificationFailure(sink string) {
	if m == nil {
		return
	}
	m.NotificationFailuresTotal.WithLabelValues(sink).Inc()
}

func (m *Metrics) RecordStatsCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.StatsCacheHitsTotal.Inc()
		return
	}
	m.StatsCacheMissesTotal.Inc()
}

func (m *Metrics) RecordWebhookDelivery(webhook, outcome string) {
	if m == nil {
		return
	}
	m.WebhookDeliveriesTotal.WithLabelValues(webhook, outcome).Inc()
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
