package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vnykmshr/streamline/pkg/pipeline"
	"github.com/vnykmshr/streamline/pkg/resilience/breaker"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "streamline"

// Registry holds all metric instances for pipeline runs.
type Registry struct {
	// Run Metrics
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	RunItems    *prometheus.CounterVec

	// Stage Metrics
	StagesTotal   *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	StageItems    *prometheus.CounterVec

	// Recovery Metrics
	ItemRetries   *prometheus.CounterVec
	StageRestarts *prometheus.CounterVec
	DeadLetters   *prometheus.CounterVec
	QueueDrops    *prometheus.CounterVec

	// Circuit Breaker Metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec

	// Scheduler Metrics
	ScheduledRuns *prometheus.CounterVec
	SkippedRuns   *prometheus.CounterVec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns a registry bound to prometheus.DefaultRegisterer. It is
// created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with the given Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	return NewRegistryWithConfig(Config{Enabled: true, Registry: reg})
}

// NewRegistryWithConfig creates a registry using the namespace and constant
// labels from config.
func NewRegistryWithConfig(config Config) *Registry {
	reg := config.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := config.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	factory := promauto.With(reg)
	labels := config.Labels

	counter := func(subsystem, name, help string, labelNames ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, labelNames)
	}
	histogram := func(subsystem, name, help string, labelNames ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, labelNames)
	}

	return &Registry{
		RunsTotal:   counter("pipeline", "runs_total", "Total number of pipeline runs by final status", "pipeline", "status"),
		RunDuration: histogram("pipeline", "run_duration_seconds", "Wall time of pipeline runs", "pipeline"),
		RunItems:    counter("pipeline", "output_items_total", "Items emitted by the last stage of a run", "pipeline"),

		StagesTotal:   counter("stage", "executions_total", "Stage executions by final status", "pipeline", "stage", "status"),
		StageDuration: histogram("stage", "duration_seconds", "Time from a stage's first pull to its final status", "pipeline", "stage"),
		StageItems:    counter("stage", "items_total", "Items emitted by a stage", "pipeline", "stage"),

		ItemRetries:   counter("stage", "item_retries_total", "Item re-invocations requested by item error handlers", "pipeline", "stage"),
		StageRestarts: counter("stage", "restarts_total", "Stage restarts requested by stage error handlers", "pipeline", "stage"),
		DeadLetters:   counter("stage", "dead_letters_total", "Items acknowledged by the dead-letter sink", "pipeline", "stage"),
		QueueDrops:    counter("stage", "queue_drops_total", "Items discarded by a full parallel queue", "pipeline", "stage", "policy"),

		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   "breaker",
			Name:        "state",
			Help:        "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			ConstLabels: labels,
		}, []string{"pipeline", "stage"}),
		BreakerTransitions: counter("breaker", "transitions_total", "Circuit breaker state transitions", "pipeline", "stage", "from", "to"),

		ScheduledRuns: counter("scheduler", "runs_total", "Scheduled pipeline runs by final status", "schedule", "status"),
		SkippedRuns:   counter("scheduler", "skipped_total", "Scheduled runs skipped because the previous run was still active", "schedule"),
	}
}

// ObserveRun records the outcome of a finished run.
func (r *Registry) ObserveRun(res *pipeline.Result) {
	if res == nil {
		return
	}
	r.RunsTotal.WithLabelValues(res.Pipeline, res.Status.String()).Inc()
	r.RunDuration.WithLabelValues(res.Pipeline).Observe(res.Duration.Seconds())
	r.RunItems.WithLabelValues(res.Pipeline).Add(float64(len(res.Output)))
}

func breakerValue(s breaker.State) float64 {
	switch s {
	case breaker.Open:
		return 1
	case breaker.HalfOpen:
		return 2
	default:
		return 0
	}
}
