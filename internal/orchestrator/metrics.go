package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/session"
	"github.com/example/stayrace/internal/task"
)

// PoolStats is satisfied by *session.Pool.
type PoolStats interface {
	Stats() session.Stats
}

// Metrics exposes Prometheus collectors for requests, tasks and the session
// pool. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeRequests   prometheus.Gauge
	tasks            *prometheus.CounterVec
	structuralFaults prometheus.Counter
}

const namespace = "stayrace"

// MustNewMetrics registers the collectors with reg. Registering twice with
// the same registry reuses the existing collectors. pool may be nil.
func MustNewMetrics(reg prometheus.Registerer, pool PoolStats) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "requests_total",
			Help:      "Booking requests by lifecycle state (ACCEPTED, CONFIRMED, FAILED).",
		}, []string{"state"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "request_duration_seconds",
			Help:      "Time from submission to settlement.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"state"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "requests_active",
			Help:      "Requests accepted and not yet settled.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "finished_total",
			Help:      "Listing tasks by terminal state.",
		}, []string{"state"}),
		structuralFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "task",
			Name:      "structural_faults_total",
			Help:      "Tasks ended by a structural fault (layout change, captcha, rejection).",
		}),
	}

	m.requests = register(reg, m.requests)
	m.requestDuration = register(reg, m.requestDuration)
	m.activeRequests = register(reg, m.activeRequests)
	m.tasks = register(reg, m.tasks)
	m.structuralFaults = register(reg, m.structuralFaults)

	if pool != nil {
		poolGauge := func(name, help string, f func(session.Stats) float64) {
			register[prometheus.Collector](reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session_pool",
				Name:      name,
				Help:      help,
			}, func() float64 { return f(pool.Stats()) }))
		}
		poolGauge("capacity", "Sessions not retired.", func(s session.Stats) float64 { return float64(s.Capacity) })
		poolGauge("free", "Sessions ready to lease.", func(s session.Stats) float64 { return float64(s.Free) })
		poolGauge("leased", "Sessions currently leased.", func(s session.Stats) float64 { return float64(s.Leased) })
		poolGauge("poisoned", "Sessions awaiting recreation.", func(s session.Stats) float64 { return float64(s.Poisoned) })
		poolGauge("acquire_waits", "Acquisitions that had to queue.", func(s session.Stats) float64 { return float64(s.Waits) })
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) requestAccepted() {
	if m == nil {
		return
	}
	m.requests.WithLabelValues("ACCEPTED").Inc()
	m.activeRequests.Inc()
}

func (m *Metrics) requestSettled(state AggregateState, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(string(state)).Inc()
	m.requestDuration.WithLabelValues(string(state)).Observe(d.Seconds())
	m.activeRequests.Dec()
}

func (m *Metrics) taskFinished(state task.State, err error) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(string(state)).Inc()
	if booking.Classify(err) == booking.ClassStructural {
		m.structuralFaults.Inc()
	}
}
