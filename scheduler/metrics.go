package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors the worker updates as goals
// progress. A nil *Metrics is valid everywhere it's accepted: every method
// is a no-op guard, so callers that don't care about observability can
// skip wiring a registry entirely.
type Metrics struct {
	activeGoals    *prometheus.GaugeVec
	buildSlotsUsed prometheus.Gauge
	buildSlotsMax  prometheus.Gauge
	goalsCompleted *prometheus.CounterVec
}

// NewMetrics constructs a Metrics and registers its collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeGoals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "storeforge",
			Subsystem: "scheduler",
			Name:      "active_goals",
			Help:      "Number of goals currently tracked by the scheduler, by kind.",
		}, []string{"kind"}),
		buildSlotsUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storeforge",
			Subsystem: "scheduler",
			Name:      "build_slots_in_use",
			Help:      "Number of build-slot-occupying children currently running.",
		}),
		buildSlotsMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storeforge",
			Subsystem: "scheduler",
			Name:      "build_slots_max",
			Help:      "Configured maxBuildJobs.",
		}),
		goalsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storeforge",
			Subsystem: "scheduler",
			Name:      "goals_completed_total",
			Help:      "Goals that reached a terminal state, by kind and outcome.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(m.activeGoals, m.buildSlotsUsed, m.buildSlotsMax, m.goalsCompleted)
	return m
}

func (m *Metrics) setActive(kind string, n int) {
	if m == nil {
		return
	}
	m.activeGoals.WithLabelValues(kind).Set(float64(n))
}

func (m *Metrics) setBuildSlots(inUse, max int) {
	if m == nil {
		return
	}
	m.buildSlotsUsed.Set(float64(inUse))
	m.buildSlotsMax.Set(float64(max))
}

func (m *Metrics) recordCompletion(kind string, succeeded bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !succeeded {
		outcome = "failure"
	}
	m.goalsCompleted.WithLabelValues(kind, outcome).Inc()
}

// Report pushes a snapshot of w's current state onto m. Call periodically
// (e.g. from the admin server's status handler) or after each Run
// iteration; it is cheap and holds no locks beyond prometheus's own.
func (w *Worker) Report(m *Metrics) {
	if m == nil {
		return
	}
	m.setActive("derivation", len(w.derivationGoals))
	m.setActive("substitution", len(w.substitutionGoals))
	m.setBuildSlots(w.nrChildren, w.MaxBuildJobs)
}
