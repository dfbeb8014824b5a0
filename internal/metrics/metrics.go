// Package metrics exposes run, step, plugin and trigger outcomes as
// Prometheus collectors. A single Metrics value is handed to the engine, the
// plugin manager and the event log as their observer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/kingrea/lattice-orchestrator/internal/eventlog"
	"github.com/kingrea/lattice-orchestrator/internal/plugin"
	"github.com/kingrea/lattice-orchestrator/internal/trigger"
	"github.com/kingrea/lattice-orchestrator/internal/workflow/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lattice"

// Metrics collects orchestration metrics on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runsActive       *prometheus.GaugeVec
	runDuration      *prometheus.HistogramVec
	steps            *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	plugins          *prometheus.CounterVec
	pluginDuration   *prometheus.HistogramVec
	triggerActivated *prometheus.CounterVec
	triggerFailed    *prometheus.CounterVec
	appendRetries    *prometheus.CounterVec
	eventsAppended   *prometheus.CounterVec
}

var (
	_ engine.Observer  = (*Metrics)(nil)
	_ plugin.Observer  = (*Metrics)(nil)
	_ trigger.Observer = (*Metrics)(nil)
	_ eventlog.Sink    = (*Metrics)(nil)
)

// New registers every collector, plus the Go and process collectors, on a
// fresh registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Workflow runs started.",
		}, []string{"workflow"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs finished, by final status.",
		}, []string{"workflow", "status"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Workflow runs currently executing.",
		}, []string{"workflow"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"workflow", "status"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Workflow steps completed, by outcome.",
		}, []string{"workflow", "step", "success"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow steps including their triggers.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 9),
		}, []string{"workflow", "step"}),
		plugins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_executions_total",
			Help:      "Plugin executions, by outcome.",
		}, []string{"plugin", "outcome"}),
		pluginDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plugin_duration_seconds",
			Help:      "Duration of plugin executions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"plugin"}),
		triggerActivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_activations_total",
			Help:      "Trigger activations, by slot.",
		}, []string{"trigger", "slot"}),
		triggerFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_failures_total",
			Help:      "Trigger condition or plugin failures.",
		}, []string{"trigger", "required"}),
		appendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_append_retries_total",
			Help:      "Event appends retried after a storage failure.",
		}, []string{"type"}),
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events committed to the log, by type.",
		}, []string{"type"}),
	}
	for _, c := range []prometheus.Collector{
		m.runsStarted, m.runsFinished, m.runsActive, m.runDuration,
		m.steps, m.stepDuration,
		m.plugins, m.pluginDuration,
		m.triggerActivated, m.triggerFailed,
		m.appendRetries, m.eventsAppended,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RunStarted(workflow string) {
	m.runsStarted.WithLabelValues(workflow).Inc()
	m.runsActive.WithLabelValues(workflow).Inc()
}

func (m *Metrics) RunFinished(workflow string, status engine.RunStatus, d time.Duration) {
	m.runsActive.WithLabelValues(workflow).Dec()
	m.runsFinished.WithLabelValues(workflow, string(status)).Inc()
	m.runDuration.WithLabelValues(workflow, string(status)).Observe(d.Seconds())
}

func (m *Metrics) StepFinished(workflow, step string, success bool, d time.Duration) {
	m.steps.WithLabelValues(workflow, step, strconv.FormatBool(success)).Inc()
	m.stepDuration.WithLabelValues(workflow, step).Observe(d.Seconds())
}

func (m *Metrics) AppendRetried(eventType string) {
	m.appendRetries.WithLabelValues(eventType).Inc()
}

func (m *Metrics) PluginExecuted(name string, success, timeout bool, d time.Duration) {
	outcome := "failure"
	switch {
	case timeout:
		outcome = "timeout"
	case success:
		outcome = "success"
	}
	m.plugins.WithLabelValues(name, outcome).Inc()
	m.pluginDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (m *Metrics) TriggerActivated(name string, slot trigger.Slot) {
	m.triggerActivated.WithLabelValues(name, string(slot)).Inc()
}

func (m *Metrics) TriggerFailed(name string, required bool) {
	m.triggerFailed.WithLabelValues(name, strconv.FormatBool(required)).Inc()
}

// Deliver counts committed events; register it with eventlog.WithSink.
func (m *Metrics) Deliver(ev eventlog.Event) {
	m.eventsAppended.WithLabelValues(ev.Type).Inc()
}
