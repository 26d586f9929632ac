/*
Package bucket provides a token bucket rate limiter.

A Limiter refills at Rate tokens per second up to Burst. Wait blocks until
a token is available, which makes it a natural pacing gate for pipeline
stages:

	limiter, err := bucket.New(bucket.Every(10*time.Millisecond), 5)
	if err != nil {
		return err
	}
	stage := pipeline.Stage{
		ID:      "call-api",
		Process: pipeline.Throttle(limiter, callAPI),
	}

A Wait that cannot complete before the context deadline fails immediately
with context.DeadlineExceeded instead of sleeping.
*/
package bucket
