/*
Package streamline is a resilient pipeline execution engine.

A pipeline is a linear graph of stages. Each stage runs under an execution
strategy that decides how items flow through it:

  - Sequential: one item at a time, in order
  - Parallel: a bounded worker pool behind a bounded queue with a Block,
    DropNewest or DropOldest overflow policy, optionally order preserving
  - Resilient: wraps either of the above with per-item retries, dead
    letters, stage restarts replaying a bounded window of input, and a
    circuit breaker

Packages:

	pkg/pipeline                 stages, graphs, strategies, runner, lifecycle events
	pkg/resilience/breaker       circuit breaker with consecutive and rolling-window modes
	pkg/resilience/materialize   bounded replay buffer for stage restarts
	pkg/resilience/deadletter    dead-letter records and sinks (memory, log, file, Redis, SQLite)
	pkg/streaming/sequence       lazy pull sequences
	pkg/streaming/channel        bounded queue with overflow policies
	pkg/scheduling/workerpool    worker pool behind Parallel stages
	pkg/scheduling/scheduler     cron scheduling of pipeline runs
	pkg/ratelimit/bucket         token bucket for throttling stages
	pkg/metrics                  Prometheus metrics listener
	pkg/tracing                  OpenTelemetry span listener
	pkg/config                   viper-based configuration loading

See pkg/pipeline for a quick start and examples/resilient_pipeline for a
program wiring configuration, metrics, tracing, dead letters and scheduling
together.
*/
package streamline
