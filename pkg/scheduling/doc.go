/*
Package scheduling groups the execution plumbing under the pipeline engine.

  - workerpool: fixed goroutine pool used by Parallel stages
  - scheduler: cron-driven pipeline runs

Both are safe for concurrent use and stop cleanly through context
cancellation.
*/
package scheduling
