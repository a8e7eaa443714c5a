package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Turn outcomes used as metric labels.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeStalled   = "stalled"
	OutcomeCancelled = "cancelled"
)

// Metrics exposes Prometheus collectors for turn activity. A nil *Metrics
// records nothing.
type Metrics struct {
	turns    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	stalls   *prometheus.CounterVec
	active   prometheus.Gauge
}

// MustNewMetrics registers the turn collectors with reg, reusing collectors
// that are already registered. Other registration errors panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webedt",
			Name:      "turns_total",
			Help:      "Agent turns by backend and outcome.",
		}, []string{"backend", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "webedt",
			Name:      "turn_duration_seconds",
			Help:      "Wall time of agent turns.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"backend"}),
		stalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "webedt",
			Name:      "turn_stalls_total",
			Help:      "Turns that ended because the agent went silent before responding.",
		}, []string{"backend"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "webedt",
			Name:      "turns_active",
			Help:      "Turns currently streaming.",
		}),
	}

	m.turns = register(reg, m.turns)
	m.duration = register(reg, m.duration)
	m.stalls = register(reg, m.stalls)
	m.active = register(reg, m.active)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) turnStarted() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) turnFinished(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.turns.WithLabelValues(backend, outcome).Inc()
	m.duration.WithLabelValues(backend).Observe(elapsed.Seconds())
	if outcome == OutcomeStalled {
		m.stalls.WithLabelValues(backend).Inc()
	}
}
