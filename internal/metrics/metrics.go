// Package metrics exposes Prometheus instrumentation for the insight
// engine: turns, tool calls, model latency, checkpoints and job
// outcomes. A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bmsinsight"

// Collector holds the engine's metrics.
type Collector struct {
	registry *prometheus.Registry

	turns         prometheus.Counter
	initRetries   prometheus.Counter
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	modelLatency  *prometheus.HistogramVec
	modelErrors   *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	checkpointSz  prometheus.Histogram
	outcomes      *prometheus.CounterVec
	jobsInFlight  prometheus.Gauge
	checkpointBad prometheus.Counter
}

// New creates a Collector registered on its own registry, together
// with the standard Go and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "turns_total",
			Help: "Model turns executed.",
		}),
		initRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "init_retries_total",
			Help: "Turns where the model answered before retrieving data and was re-prompted.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Tool invocations by tool and result (ok, empty, error).",
		}, []string{"tool", "result"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tool_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "model_latency_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"model"}),
		modelErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "model_errors_total",
			Help: "Failed model calls.",
		}, []string{"model"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoints_total",
			Help: "Checkpoints written by trigger.",
		}, []string{"trigger"}),
		checkpointSz: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "checkpoint_bytes",
			Help:    "Encoded checkpoint size.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 7),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help: "Engine invocations by outcome (completed, timed_out, failed).",
		}, []string{"outcome"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "runs_in_flight",
			Help: "Engine invocations currently running.",
		}),
		checkpointBad: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "checkpoint_rejected_total",
			Help: "Stored checkpoints discarded as invalid.",
		}),
	}

	reg.MustRegister(c.turns, c.initRetries, c.toolCalls, c.toolDuration,
		c.modelLatency, c.modelErrors, c.checkpoints, c.checkpointSz,
		c.outcomes, c.jobsInFlight, c.checkpointBad)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Turn counts one model turn.
func (c *Collector) Turn() {
	if c == nil {
		return
	}
	c.turns.Inc()
}

// InitRetry counts one re-prompt for premature answers.
func (c *Collector) InitRetry() {
	if c == nil {
		return
	}
	c.initRetries.Inc()
}

// ToolCall records a tool invocation.
func (c *Collector) ToolCall(tool string, failed, empty bool, d time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	switch {
	case failed:
		result = "error"
	case empty:
		result = "empty"
	}
	c.toolCalls.WithLabelValues(tool, result).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ModelCall records a model round trip.
func (c *Collector) ModelCall(model string, d time.Duration, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.modelErrors.WithLabelValues(model).Inc()
		return
	}
	c.modelLatency.WithLabelValues(model).Observe(d.Seconds())
}

// Checkpoint records a written checkpoint.
func (c *Collector) Checkpoint(trigger string, size int) {
	if c == nil {
		return
	}
	c.checkpoints.WithLabelValues(trigger).Inc()
	c.checkpointSz.Observe(float64(size))
}

// CheckpointRejected counts a checkpoint discarded on resume.
func (c *Collector) CheckpointRejected() {
	if c == nil {
		return
	}
	c.checkpointBad.Inc()
}

// RunStarted marks an engine invocation as in flight. The returned
// function records its outcome.
func (c *Collector) RunStarted() func(outcome string) {
	if c == nil {
		return func(string) {}
	}
	c.jobsInFlight.Inc()
	return func(outcome string) {
		c.jobsInFlight.Dec()
		c.outcomes.WithLabelValues(outcome).Inc()
	}
}
