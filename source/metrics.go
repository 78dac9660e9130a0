package source

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "autofill"
	metricsSubsystem = "source"
)

// Metrics tracks list loading. A nil *Metrics records nothing.
type Metrics struct {
	Registry        *prometheus.Registry
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	ItemsLoaded     prometheus.Counter
	RetriesTotal    prometheus.Counter
	ErrorsTotal     *prometheus.CounterVec
}

func counterOpts(name, help string) prometheus.CounterOpts {
	return prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}
}

// NewMetricsWith registers the loader collectors on registry, or on a fresh
// registry when it is nil.
func NewMetricsWith(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	m := &Metrics{
		Registry:      registry,
		RequestsTotal: prometheus.NewCounterVec(counterOpts("requests_total", "List fetch requests, by outcome."), []string{"outcome"}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Latency of list fetch requests.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ItemsLoaded:  prometheus.NewCounter(counterOpts("items_loaded_total", "Items parsed from fetched lists.")),
		RetriesTotal: prometheus.NewCounter(counterOpts("retries_total", "Retry attempts scheduled by the loader.")),
		ErrorsTotal:  prometheus.NewCounterVec(counterOpts("errors_total", "List fetch errors by type."), []string{"error_type"}),
	}
	registry.MustRegister(m.RequestsTotal, m.RequestDuration, m.ItemsLoaded, m.RetriesTotal, m.ErrorsTotal)
	return m
}

// IncRequest counts a finished request.
func (m *Metrics) IncRequest(outcome string) {
	if m != nil {
		m.RequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveDuration(d time.Duration) {
	if m != nil {
		m.RequestDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddItems(n int) {
	if m != nil {
		m.ItemsLoaded.Add(float64(n))
	}
}

func (m *Metrics) IncRetries() {
	if m != nil {
		m.RetriesTotal.Inc()
	}
}

// IncError counts a failure under its ErrorTypeLabel.
func (m *Metrics) IncError(errorType string) {
	if m != nil {
		m.ErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
