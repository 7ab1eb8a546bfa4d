// Package metrics exposes engine and dispatcher counters through a
// prometheus registry served by the API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Set struct {
	registry *prometheus.Registry

	EventsTotal   prometheus.Counter
	VerdictsTotal *prometheus.CounterVec
	AlertsTotal   *prometheus.CounterVec
	EvalErrors    prometheus.Counter
	QueueDepth    *prometheus.GaugeVec
	ActiveWorkers prometheus.Gauge
}

func New() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Set{
		registry: reg,
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "iotsentry_events_processed_total",
			Help: "Events evaluated by the rule engine.",
		}),
		VerdictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iotsentry_verdicts_total",
			Help: "Verdicts by rule name; rule=\"none\" when no rule matched.",
		}, []string{"rule"}),
		AlertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "iotsentry_alerts_total",
			Help: "Suspicious verdicts by rule name.",
		}, []string{"rule"}),
		EvalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "iotsentry_evaluation_errors_total",
			Help: "Events whose evaluation was recovered into an error verdict.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iotsentry_queue_depth",
			Help: "Pending events per source worker queue.",
		}, []string{"source"}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "iotsentry_active_workers",
			Help: "Live per-source workers.",
		}),
	}
}

// Registry returns the underlying registry for the promhttp handler.
func (s *Set) Registry() *prometheus.Registry {
	if s == nil {
		return nil
	}
	return s.registry
}

func (s *Set) WorkerUp() {
	if s != nil {
		s.ActiveWorkers.Inc()
	}
}

func (s *Set) WorkerDown() {
	if s != nil {
		s.ActiveWorkers.Dec()
	}
}

func (s *Set) SetQueueDepth(source string, depth int) {
	if s != nil {
		s.QueueDepth.WithLabelValues(source).Set(float64(depth))
	}
}

func (s *Set) DropQueue(source string) {
	if s != nil {
		s.QueueDepth.DeleteLabelValues(source)
	}
}

func (s *Set) EvalError() {
	if s != nil {
		s.EvalErrors.Inc()
	}
}

func (s *Set) ObserveVerdict(rule string, suspicious bool) {
	if s == nil {
		return
	}
	s.EventsTotal.Inc()
	if rule == "" {
		rule = "none"
	}
	s.VerdictsTotal.WithLabelValues(rule).Inc()
	if suspicious {
		s.AlertsTotal.WithLabelValues(rule).Inc()
	}
}
