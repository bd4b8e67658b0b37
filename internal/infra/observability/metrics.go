package observability

import (
	"net/http"
	"time"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the edge agent.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	gatewayErrors   *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	fallbackWrites  *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

// Mutation outcome labels.
const (
	OutcomeServer   = "server"
	OutcomeFallback = "fallback"
	OutcomeError    = "error"
)

// NewMetrics creates a dedicated Prometheus registry and registers all
// agent metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "edge_request_duration_seconds",
				Help:    "Duration of operations by name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		gatewayErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_gateway_errors_total",
				Help: "Total gateway failures by error kind.",
			},
			[]string{"kind"},
		),
		mutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_mutations_total",
				Help: "Total mutations by collection and outcome.",
			},
			[]string{"collection", "outcome"},
		),
		fallbackWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_fallback_writes_total",
				Help: "Total writes persisted through the local fallback store.",
			},
			[]string{"collection"},
		),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edge_notifications_total",
				Help: "Total user-facing notifications by level.",
			},
			[]string{"level"},
		),
	}
}

// Handler exposes the private registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrGatewayError increments the gateway error counter for a kind
// ("unavailable", "unauthorized", "backend").
func (m *Metrics) IncrGatewayError(kind string) {
	m.gatewayErrors.WithLabelValues(kind).Inc()
}

// IncrMutation increments the mutation counter for a collection and outcome.
func (m *Metrics) IncrMutation(collection, outcome string) {
	m.mutations.WithLabelValues(collection, outcome).Inc()
}

// IncrFallbackWrite increments the fallback write counter.
func (m *Metrics) IncrFallbackWrite(collection string) {
	m.fallbackWrites.WithLabelValues(collection).Inc()
}

// IncrNotification increments the notification counter by level.
func (m *Metrics) IncrNotification(level string) {
	m.notifications.WithLabelValues(level).Inc()
}

// SyncSnapshot aggregates the counters into the payload served by the
// GET /v1/sync/status endpoint.
func (m *Metrics) SyncSnapshot() *domain.SyncStatus {
	var totalMutations, fallbackWrites float64

	for _, outcome := range []string{OutcomeServer, OutcomeFallback, OutcomeError} {
		totalMutations += sumCounterVec(m.mutations, outcome)
	}
	fallbackWrites = sumCounterVec(m.mutations, OutcomeFallback)

	gatewayErrors := getCounterValue(m.gatewayErrors, "unavailable") +
		getCounterValue(m.gatewayErrors, "unauthorized") +
		getCounterValue(m.gatewayErrors, "backend")

	fallbackRate := float64(0)
	if totalMutations > 0 {
		fallbackRate = fallbackWrites / totalMutations
	}

	return &domain.SyncStatus{
		TotalMutations: int64(totalMutations),
		FallbackWrites: int64(fallbackWrites),
		FallbackRate:   fallbackRate,
		GatewayErrors:  int64(gatewayErrors),
	}
}

// sumCounterVec sums a two-label CounterVec over all collections for one outcome.
func sumCounterVec(cv *prometheus.CounterVec, outcome string) float64 {
	total := float64(0)
	collections := []string{
		"users", "deliveryRecords", "storageRecords", "cleaningRecords",
		"outgoingRecords", "elaboratedRecords", "technicalSheets",
		"costings", "incidents", "establishmentInfo",
	}
	for _, col := range collections {
		counter, err := cv.GetMetricWithLabelValues(col, outcome)
		if err != nil {
			continue
		}
		metric := &dto.Metric{}
		if err := counter.(prometheus.Metric).Write(metric); err != nil {
			continue
		}
		if metric.Counter != nil && metric.Counter.Value != nil {
			total += *metric.Counter.Value
		}
	}
	return total
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter, err := cv.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	metric := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(metric); err != nil {
		return 0
	}
	if metric.Counter != nil && metric.Counter.Value != nil {
		return *metric.Counter.Value
	}
	return 0
}
