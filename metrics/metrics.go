// Package metrics exports run, stage and attempt measurements to Prometheus.
//
// A Collector implements podflow.Callbacks, so it is attached to an engine
// like any other callback:
//
//	collector := metrics.New(prometheus.DefaultRegisterer)
//	engine, err := podflow.NewEngine(podflow.EngineOptions{
//		Pipeline:  pipeline,
//		Callbacks: collector,
//	})
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepnoodle-ai/podflow"
)

const namespace = "podflow"

var _ podflow.Callbacks = (*Collector)(nil)

// Collector records engine events as Prometheus metrics.
type Collector struct {
	podflow.BaseCallbacks

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runsActive    *prometheus.GaugeVec
	runDuration   *prometheus.HistogramVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	fallbacks     *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg. A nil reg
// leaves the metrics unregistered.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs started or resumed.",
		}, []string{"pipeline"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that stopped, by final status.",
		}, []string{"pipeline", "status"}),
		runsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_active",
			Help:      "Runs currently executing.",
		}, []string{"pipeline"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run invocation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"pipeline", "status"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Stage outcomes, by stage and status.",
		}, []string{"pipeline", "stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a stage including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 13),
		}, []string{"pipeline", "stage"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Handler attempts, by stage and error kind. Successful attempts have kind \"none\".",
		}, []string{"pipeline", "stage", "kind"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback invocations, by stage and result.",
		}, []string{"pipeline", "stage", "result"}),
	}
	if reg != nil {
		reg.MustRegister(c.collectors()...)
	}
	return c
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.runsStarted,
		c.runsFinished,
		c.runsActive,
		c.runDuration,
		c.stages,
		c.stageDuration,
		c.attempts,
		c.fallbacks,
	}
}

func (c *Collector) BeforeRun(ctx context.Context, event *podflow.RunEvent) {
	c.runsStarted.WithLabelValues(event.Pipeline).Inc()
	c.runsActive.WithLabelValues(event.Pipeline).Inc()
}

func (c *Collector) AfterRun(ctx context.Context, event *podflow.RunEvent) {
	status := string(event.Status)
	c.runsActive.WithLabelValues(event.Pipeline).Dec()
	c.runsFinished.WithLabelValues(event.Pipeline, status).Inc()
	c.runDuration.WithLabelValues(event.Pipeline, status).Observe(event.Duration.Seconds())
}

func (c *Collector) AfterStage(ctx context.Context, event *podflow.StageEvent) {
	c.stages.WithLabelValues(event.Pipeline, event.Stage, string(event.Status)).Inc()
	if !event.StartTime.IsZero() {
		c.stageDuration.WithLabelValues(event.Pipeline, event.Stage).Observe(event.Duration.Seconds())
	}
}

func (c *Collector) AfterAttempt(ctx context.Context, event *podflow.AttemptEvent) {
	if event.Fallback {
		result := "ok"
		if event.Error != nil {
			result = "error"
		}
		c.fallbacks.WithLabelValues(event.Pipeline, event.Stage, result).Inc()
		return
	}
	kind := "none"
	if event.Error != nil {
		kind = string(event.Kind)
	}
	c.attempts.WithLabelValues(event.Pipeline, event.Stage, kind).Inc()
}
