/*
Package pipeline runs linear stage graphs with pluggable execution strategies and multi-level
failure recovery.

A Graph is an ordered list of stages. Each stage is a Source, a per-item Process or Sink, or a
whole-stream Transform, driven by a Strategy:

  - Sequential processes one item at a time in arrival order.
  - Parallel feeds a bounded queue drained by a fixed worker pool. The overflow policy (Block,
    DropNewest, DropOldest) decides what happens when the queue is full, and PreserveOrdering
    restores arrival order on output.
  - Resilient wraps either of the above with an item error handler, a stage error handler, a
    circuit breaker and a materialization buffer for restarts.

Execution is lazy: the runner pulls the last stage and every stage pulls its predecessor.

# Quick Start

	g := &pipeline.Graph{
		Name: "orders",
		Stages: []pipeline.Stage{
			{ID: "read", Source: pipeline.FromSlice(orders)},
			{
				ID:      "enrich",
				Process: pipeline.Map(enrich),
				Strategy: pipeline.Resilient{
					Inner:        pipeline.Parallel{MaxConcurrency: 8, QueueCapacity: 64},
					ItemHandler:  pipeline.AlwaysItem(pipeline.ItemRetry),
					StageHandler: pipeline.AlwaysStage(pipeline.RestartStage),
				},
				Retry: &pipeline.RetryOptions{MaxItemRetries: 2, MaxStageRestartAttempts: 1, MaxMaterializedItems: 100},
			},
			{ID: "store", Sink: pipeline.Consume(store)},
		},
	}

	runner, err := pipeline.NewRunner(pipeline.Config{DeadLetters: sink})
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx, g)

# Failures

An item error (*ItemFailure) affects one item. Under Resilient the item handler may retry it in
place, skip it, dead-letter it or fail the run; retries past MaxItemRetries are dead-lettered.
Without Resilient every item error is fatal.

A stream error ends a stage's output. The circuit breaker records it first; when the breaker is
open the run fails without consulting the stage handler. Otherwise the handler may restart the
stage, which replays the most recent MaxMaterializedItems inputs and then continues with upstream,
or continue without it, which ends the stage's output.

Fatal errors surface from Run as *PipelineError. Cancellation surfaces as ErrRunCanceled wrapped
together with the context error, and never reaches an error handler or the dead-letter sink.

# Observability

Runner.Run returns a Result with per-stage reports. Listeners receive lifecycle events on a
separate goroutine; a slow listener loses events rather than slowing the run.
*/
package pipeline
