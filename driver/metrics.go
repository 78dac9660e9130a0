package driver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the driver.
type Metrics struct {
	Registry           *prometheus.Registry
	ItemsTotal         *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	DatesStartedTotal  prometheus.Counter
	PausesTotal        prometheus.Counter
	FinalizeSkipsTotal *prometheus.CounterVec
	ObstaclesTotal     prometheus.Counter
}

// NewMetricsWith registers the driver collectors on an existing registry.
func NewMetricsWith(registry *prometheus.Registry) *Metrics {
	items := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofill_items_total",
			Help: "Items processed by the driver, by result.",
		},
		[]string{"result"},
	)
	stepDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autofill_step_duration_seconds",
			Help:    "Duration of pipeline steps.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofill_errors_total",
			Help: "Driver errors by type.",
		},
		[]string{"error_type"},
	)
	dates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autofill_dates_started_total",
			Help: "Dates written into the form.",
		},
	)
	pauses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autofill_pauses_total",
			Help: "Times the loop blocked on a pause request.",
		},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofill_finalize_skips_total",
			Help: "Optional finalization steps skipped, by role.",
		},
		[]string{"role"},
	)
	obstacles := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "autofill_obstacles_dismissed_total",
			Help: "Dialogs and overlays dismissed.",
		},
	)

	registry.MustRegister(items, stepDuration, errorsTotal, dates, pauses, skips, obstacles)

	return &Metrics{
		Registry:           registry,
		ItemsTotal:         items,
		StepDuration:       stepDuration,
		ErrorsTotal:        errorsTotal,
		DatesStartedTotal:  dates,
		PausesTotal:        pauses,
		FinalizeSkipsTotal: skips,
		ObstaclesTotal:     obstacles,
	}
}

// IncItem counts a finished item.
func (m *Metrics) IncItem(result string) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(result).Inc()
}

// ObserveStep records how long a pipeline step took.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncDate counts a date head.
func (m *Metrics) IncDate() {
	if m == nil {
		return
	}
	m.DatesStartedTotal.Inc()
}

// IncPause counts a pause the loop honoured.
func (m *Metrics) IncPause() {
	if m == nil {
		return
	}
	m.PausesTotal.Inc()
}

// IncFinalizeSkip counts an optional finalization step that could not run.
func (m *Metrics) IncFinalizeSkip(role string) {
	if m == nil {
		return
	}
	m.FinalizeSkipsTotal.WithLabelValues(role).Inc()
}

// AddObstacles counts dismissed dialogs and overlays.
func (m *Metrics) AddObstacles(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ObstaclesTotal.Add(float64(n))
}
