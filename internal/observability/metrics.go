package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deskbot"

// Metrics holds the bot's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ticketsOpened  *prometheus.CounterVec
	ticketsClosed  *prometheus.CounterVec
	ticketsDeleted prometheus.Counter
	rehydrated     *prometheus.CounterVec
	tierSyncs      *prometheus.CounterVec
	roleFailures   *prometheus.CounterVec
	siteCalls      *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticketsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_opened_total",
			Help:      "Tickets opened, by category.",
		}, []string{"category"}),
		ticketsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_closed_total",
			Help:      "Tickets closed, by reason (manual or timeout).",
		}, []string{"reason"}),
		ticketsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tickets_deleted_total",
			Help:      "Closed ticket channels deleted by the delete timer.",
		}),
		rehydrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_rehydrated_total",
			Help:      "Timers re-armed from stored tickets, by timer kind.",
		}, []string{"timer"}),
		tierSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_syncs_total",
			Help:      "Tier reconciliations, by source and result.",
		}, []string{"source", "result"}),
		roleFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_mutation_failures_total",
			Help:      "Failed role add/remove calls.",
		}, []string{"op"}),
		siteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "site_calls_total",
			Help:      "Outbound calls to the shop site, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticketsOpened, m.ticketsClosed, m.ticketsDeleted, m.rehydrated,
		m.tierSyncs, m.roleFailures, m.siteCalls, m.httpRequests, m.httpLatency,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TicketOpened(category string) {
	if m == nil {
		return
	}
	m.ticketsOpened.WithLabelValues(category).Inc()
}

func (m *Metrics) TicketClosed(reason string) {
	if m == nil {
		return
	}
	m.ticketsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) TicketDeleted() {
	if m == nil {
		return
	}
	m.ticketsDeleted.Inc()
}

func (m *Metrics) Rehydrated(timer string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rehydrated.WithLabelValues(timer).Add(float64(n))
}

func (m *Metrics) TierSynced(source, result string) {
	if m == nil {
		return
	}
	m.tierSyncs.WithLabelValues(source, result).Inc()
}

func (m *Metrics) RoleMutationFailed(op string) {
	if m == nil {
		return
	}
	m.roleFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) SiteCall(endpoint, result string) {
	if m == nil {
		return
	}
	m.siteCalls.WithLabelValues(endpoint, result).Inc()
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(route, method).Observe(d.Seconds())
}
