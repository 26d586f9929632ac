// Package metrics provides Prometheus instrumentation for pipeline runs.
//
// A Registry groups the collectors. Attach a Listener to a runner to record
// stage outcomes, retries, restarts, dead letters, queue drops and circuit
// breaker transitions, and call ObserveRun with each Result for run-level
// counters:
//
//	reg := metrics.NewRegistry(prometheus.NewRegistry())
//	runner, _ := pipeline.NewRunner(pipeline.Config{
//		Listeners: []pipeline.Listener{metrics.NewListener(reg)},
//	})
//	res, _ := runner.Run(ctx, graph)
//	reg.ObserveRun(res)
//
// Then expose metrics via HTTP:
//
//	http.Handle("/metrics", promhttp.Handler())
//
// Listener events are delivered asynchronously and may be dropped under
// load, so event-driven counters are a lower bound.
package metrics
