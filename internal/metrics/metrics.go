package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	HTTPRequests      *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
	Postings          *prometheus.CounterVec
	Reservations      *prometheus.CounterVec
	Flows             *prometheus.CounterVec
	FlowDuration      *prometheus.HistogramVec
	ConflictRetries   *prometheus.CounterVec
	IdempotentReplays *prometheus.CounterVec
	ReaperReleased    prometheus.Counter
	ReaperPruned      prometheus.Counter
	ReaperSweep       prometheus.Histogram
	EventsPublished   *prometheus.CounterVec
}

// New builds the collectors and registers them on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		Postings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_postings_total",
				Help: "Ledger postings by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_reservation_ops_total",
				Help: "Reservation operations by op and outcome.",
			},
			[]string{"op", "outcome"},
		),
		Flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_flows_total",
				Help: "Orchestrated flows by name and outcome.",
			},
			[]string{"flow", "outcome"},
		),
		FlowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_flow_duration_seconds",
				Help:    "Orchestrated flow latency in seconds, retries included.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"flow"},
		),
		ConflictRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_conflict_retries_total",
				Help: "Units of work retried after a storage conflict.",
			},
			[]string{"flow"},
		),
		IdempotentReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_idempotent_replays_total",
				Help: "Requests answered from a stored idempotency record.",
			},
			[]string{"flow"},
		),
		ReaperReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_released_total",
			Help: "Expired holds returned to stock by the reaper.",
		}),
		ReaperPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reaper_idempotency_pruned_total",
			Help: "Idempotency records removed after retention.",
		}),
		ReaperSweep: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "reaper_sweep_duration_seconds",
			Help:    "Reaper sweep latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "events_published_total",
				Help: "Domain events handed to the broker.",
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequests, m.HTTPDuration,
		m.Postings, m.Reservations,
		m.Flows, m.FlowDuration, m.ConflictRetries, m.IdempotentReplays,
		m.ReaperReleased, m.ReaperPruned, m.ReaperSweep,
		m.EventsPublished,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Outcome collapses an error into a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (m *Metrics) ObserveRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (m *Metrics) ObservePosting(kind, outcome string) {
	if m == nil {
		return
	}
	m.Postings.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveReservation(op, outcome string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveFlow(flow, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Flows.WithLabelValues(flow, outcome).Inc()
	m.FlowDuration.WithLabelValues(flow).Observe(duration.Seconds())
}

func (m *Metrics) ObserveRetry(flow string) {
	if m == nil {
		return
	}
	m.ConflictRetries.WithLabelValues(flow).Inc()
}

func (m *Metrics) ObserveReplay(flow string) {
	if m == nil {
		return
	}
	m.IdempotentReplays.WithLabelValues(flow).Inc()
}

func (m *Metrics) ObserveSweep(released, pruned int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReaperReleased.Add(float64(released))
	m.ReaperPruned.Add(float64(pruned))
	m.ReaperSweep.Observe(duration.Seconds())
}

func (m *Metrics) ObservePublish(eventType, status string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, status).Inc()
}
