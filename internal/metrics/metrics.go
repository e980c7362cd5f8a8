// Package metrics exposes the coordinator's operational gauges and
// counters in Prometheus format: pool occupancy, signal-bus delivery
// counters, and workflow terminal-status totals. Gauges are sampled at
// scrape time straight from the pool and bus; counters accumulate from
// Event Bus subscriptions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/eventbus"
	"github.com/aosanya/apc/internal/signalbus"
)

var (
	descPoolAgents = prometheus.NewDesc(
		"apc_pool_agents",
		"Number of agents in the pool by state.",
		[]string{"state"}, nil,
	)
	descSignals = prometheus.NewDesc(
		"apc_signals_total",
		"Completion signals by outcome since process start.",
		[]string{"outcome"}, nil,
	)
)

// Metrics owns a private Prometheus registry so tests can run several
// instances without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	workflowsCompleted *prometheus.CounterVec
	sessionsUpdated    prometheus.Counter

	disposers []eventbus.Disposer
}

// collector samples pool and signal-bus state at scrape time.
type collector struct {
	pool    *agent.Pool
	signals *signalbus.Bus
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descPoolAgents
	ch <- descSignals
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.pool != nil {
		s := c.pool.Status()
		ch <- prometheus.MustNewConstMetric(descPoolAgents, prometheus.GaugeValue, float64(s.Available), "available")
		ch <- prometheus.MustNewConstMetric(descPoolAgents, prometheus.GaugeValue, float64(s.Busy), "busy")
		ch <- prometheus.MustNewConstMetric(descPoolAgents, prometheus.GaugeValue, float64(s.Total), "total")
	}
	if c.signals != nil {
		st := c.signals.Stats()
		ch <- prometheus.MustNewConstMetric(descSignals, prometheus.CounterValue, float64(st.Delivered), "delivered")
		ch <- prometheus.MustNewConstMetric(descSignals, prometheus.CounterValue, float64(st.Discarded), "discarded")
	}
}

// New registers the collectors and subscribes to the Event Bus for
// workflow completion counts. Call Close to unsubscribe.
func New(pool *agent.Pool, signals *signalbus.Bus, events *eventbus.Bus) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "apc_workflows_completed_total",
			Help: "Workflows reaching a terminal status, by result.",
		}, []string{"result"}),
		sessionsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apc_session_updates_total",
			Help: "Session status transitions observed on the event bus.",
		}),
	}

	m.registry.MustRegister(&collector{pool: pool, signals: signals})
	m.registry.MustRegister(m.workflowsCompleted, m.sessionsUpdated)

	if events != nil {
		m.disposers = append(m.disposers,
			events.Subscribe(eventbus.TopicWorkflowComplete, func(e eventbus.Event) {
				payload, ok := e.Payload.(eventbus.WorkflowComplete)
				if !ok {
					return
				}
				result := "success"
				if !payload.Success {
					result = "failure"
				}
				m.workflowsCompleted.WithLabelValues(result).Inc()
			}),
			events.Subscribe(eventbus.TopicSessionUpdated, func(eventbus.Event) {
				m.sessionsUpdated.Inc()
			}),
		)
	}
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Close unsubscribes from the Event Bus.
func (m *Metrics) Close() {
	for _, d := range m.disposers {
		d()
	}
	m.disposers = nil
}
