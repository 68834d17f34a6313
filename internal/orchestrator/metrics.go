package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fyrsmithlabs/agenthub/internal/eventlog"
	"github.com/fyrsmithlabs/agenthub/internal/protocol"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the session manager.
type Metrics struct {
	SessionsCreatedTotal prometheus.Counter
	SessionsActive       prometheus.Gauge
	TransitionsTotal     *prometheus.CounterVec
	CommandsTotal        *prometheus.CounterVec
	EventsTotal          *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	InFlight             prometheus.Gauge
}

// NewMetrics creates and registers the manager's Prometheus metrics.
//
// Registration happens once per process; later calls return the same
// instance.
//
// Metrics:
//   - agenthub_sessions_created_total
//   - agenthub_sessions_active - sessions not in Completed or Error
//   - agenthub_session_transitions_total{from,to}
//   - agenthub_commands_total{kind,result} - result is dispatched, rejected or throttled
//   - agenthub_events_total{kind}
//   - agenthub_dispatch_duration_seconds{kind,outcome}
//   - agenthub_dispatch_in_flight
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SessionsCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "agenthub_sessions_created_total",
				Help: "Total number of sessions created",
			}),
			SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "agenthub_sessions_active",
				Help: "Number of sessions that are not Completed or Error",
			}),
			TransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agenthub_session_transitions_total",
					Help: "Total number of session lifecycle transitions",
				},
				[]string{"from", "to"},
			),
			CommandsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agenthub_commands_total",
					Help: "Total number of commands by admission result",
				},
				[]string{"kind", "result"},
			),
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agenthub_events_total",
					Help: "Total number of events appended to session logs",
				},
				[]string{"kind"},
			),
			DispatchDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agenthub_dispatch_duration_seconds",
					Help:    "Time adapters spend handling a command",
					Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
				},
				[]string{"kind", "outcome"},
			),
			InFlight: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "agenthub_dispatch_in_flight",
				Help: "Number of commands currently held by adapters",
			}),
		}
	})
	return globalMetrics
}

const (
	resultDispatched = "dispatched"
	resultRejected   = "rejected"
	resultThrottled  = "throttled"
)

func (m *Metrics) command(kind protocol.CommandKind, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) transition(from, to protocol.SessionStatus) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	wasActive := from != protocol.StatusUnknown && !from.IsTerminal()
	isActive := !to.IsTerminal()
	switch {
	case isActive && !wasActive:
		m.SessionsActive.Inc()
	case wasActive && !isActive:
		m.SessionsActive.Dec()
	}
}

// metricsSink counts appended events and forwards them to next.
type metricsSink struct {
	metrics *Metrics
	next    eventlog.Sink
}

func (s metricsSink) Publish(ev protocol.Event) error {
	if s.metrics != nil {
		s.metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	}
	if s.next != nil {
		return s.next.Publish(ev)
	}
	return nil
}
