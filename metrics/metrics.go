// Package metrics exposes Prometheus collectors for task lifecycle, LLM and
// analysis activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/egorvert/Sae/llm"
	"github.com/egorvert/Sae/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sae"

// Metrics holds the collectors. It observes the task manager, the LLM
// client and the contract-review runner.
type Metrics struct {
	registry *prometheus.Registry

	tasksCreated     prometheus.Counter
	taskTransitions  *prometheus.CounterVec
	taskArtifacts    prometheus.Counter
	llmCalls         *prometheus.CounterVec
	llmCallDuration  *prometheus.HistogramVec
	llmTokens        *prometheus.CounterVec
	analysisDuration *prometheus.HistogramVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created.",
		}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task state transitions.",
		}, []string{"from", "to"}),
		taskArtifacts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_artifacts_total",
			Help:      "Artifacts appended to tasks.",
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM completion calls by capability and outcome.",
		}, []string{"capability", "outcome"}),
		llmCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM completion latency including retries and fallbacks.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"capability"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by LLM calls.",
		}, []string{"model", "direction"}),
		analysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Contract analysis runs by outcome.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksCreated,
		m.taskTransitions,
		m.taskArtifacts,
		m.llmCalls,
		m.llmCallDuration,
		m.llmTokens,
		m.analysisDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterSubscribers exposes the live subscriber count, read at scrape time.
func (m *Metrics) RegisterSubscribers(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers_active",
		Help:      "Open task subscriptions.",
	}, func() float64 { return float64(count()) }))
}

// RegisterArchiveDropped exposes the number of snapshots the archive
// writer discarded.
func (m *Metrics) RegisterArchiveDropped(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "archive_dropped_total",
		Help:      "Task snapshots dropped because the archive queue was full.",
	}, func() float64 { return float64(dropped()) }))
}

// TaskCommitted implements task.Observer.
func (m *Metrics) TaskCommitted(ev task.Event) {
	switch ev.Kind {
	case task.EventCreated:
		m.tasksCreated.Inc()
	case task.EventStatus:
		m.taskTransitions.WithLabelValues(string(ev.Previous), string(ev.Snapshot.Status.State)).Inc()
	case task.EventArtifact:
		m.taskArtifacts.Inc()
	}
}

// LLMCallFinished implements llm.CallObserver.
func (m *Metrics) LLMCallFinished(rec llm.CallRecord) {
	outcome := "success"
	switch {
	case rec.Err != nil:
		outcome = "error"
	case len(rec.FallbacksUsed) > 0:
		outcome = "fallback"
	}
	m.llmCalls.WithLabelValues(rec.Capability, outcome).Inc()
	m.llmCallDuration.WithLabelValues(rec.Capability).Observe(rec.Duration.Seconds())

	if rec.Model != "" {
		m.llmTokens.WithLabelValues(rec.Model, "prompt").Add(float64(rec.Usage.PromptTokens))
		m.llmTokens.WithLabelValues(rec.Model, "completion").Add(float64(rec.Usage.CompletionTokens))
	}
}

// AnalysisFinished implements contractreview.RunObserver.
func (m *Metrics) AnalysisFinished(outcome string, d time.Duration) {
	m.analysisDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
