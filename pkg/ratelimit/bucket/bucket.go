package bucket

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/vnykmshr/streamline/pkg/common/errors"
)

// Limit is a refill rate in tokens per second. Use Inf for no limit.
type Limit float64

// Inf is the infinite rate limit; it allows all events.
var Inf = Limit(math.Inf(1))

// Every converts a minimum interval between events to a Limit.
func Every(interval time.Duration) Limit {
	if interval <= 0 {
		return Inf
	}
	return Limit(time.Second) / Limit(interval)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds configuration options for a Limiter.
type Config struct {
	// Rate is the number of tokens added per second.
	Rate Limit

	// Burst is the bucket capacity.
	Burst int

	// Clock provides the current time. Nil means the system clock.
	Clock Clock

	// InitialTokens is the starting fill. Negative means full.
	InitialTokens int
}

// Limiter is a token bucket. It is safe for concurrent use.
type Limiter struct {
	mu         sync.Mutex
	limit      Limit
	burst      int
	tokens     float64
	lastUpdate time.Time
	clock      Clock
}

// New creates a full limiter refilling at rate up to burst tokens.
func New(rate Limit, burst int) (*Limiter, error) {
	return NewWithConfig(Config{Rate: rate, Burst: burst, InitialTokens: -1})
}

// NewWithConfig creates a limiter from config.
func NewWithConfig(config Config) (*Limiter, error) {
	if config.Rate < 0 {
		return nil, errors.NewValidationError("bucket", "rate", config.Rate, "rate cannot be negative").
			WithHint("use Inf for no rate limit")
	}
	if config.Burst <= 0 {
		return nil, errors.NewValidationError("bucket", "burst", config.Burst, "burst must be positive")
	}
	if config.Clock == nil {
		config.Clock = systemClock{}
	}

	tokens := float64(config.InitialTokens)
	if config.InitialTokens < 0 || tokens > float64(config.Burst) {
		tokens = float64(config.Burst)
	}

	return &Limiter{
		limit:      config.Rate,
		burst:      config.Burst,
		tokens:     tokens,
		lastUpdate: config.Clock.Now(),
		clock:      config.Clock,
	}, nil
}

// Allow reports whether one token is available now and takes it.
func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// AllowN reports whether n tokens are available now and takes them.
func (l *Limiter) AllowN(n int) bool {
	_, ok := l.reserve(l.clock.Now(), n, 0)
	return ok
}

// Wait blocks until one token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.WaitN(ctx, 1)
}

// WaitN blocks until n tokens are available or ctx is done. Tokens taken
// for a wait that is abandoned are returned to the bucket.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if n > l.Burst() && l.Limit() != Inf {
		return errors.NewValidationError("bucket", "n", n, "exceeds burst")
	}

	maxWait := time.Duration(math.MaxInt64)
	if deadline, ok := ctx.Deadline(); ok {
		maxWait = time.Until(deadline)
	}

	delay, ok := l.reserve(l.clock.Now(), n, maxWait)
	if !ok {
		return fmt.Errorf("bucket: %w: %w", errors.ErrTimeout, context.DeadlineExceeded)
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.restore(n)
		return ctx.Err()
	}
}

// Limit returns the refill rate.
func (l *Limiter) Limit() Limit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.burst
}

// Tokens returns the tokens currently available. It is negative while
// waiters hold reservations.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clock.Now())
	return l.tokens
}

// reserve takes n tokens and reports how long the caller must wait before
// using them. It takes nothing and reports false when the wait would exceed
// maxWait or the rate is zero and the bucket cannot cover n.
func (l *Limiter) reserve(now time.Time, n int, maxWait time.Duration) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || l.limit == Inf {
		return 0, true
	}

	l.refill(now)
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return 0, true
	}
	if l.limit == 0 {
		return 0, false
	}

	wait := time.Duration(float64(time.Second) * (float64(n) - l.tokens) / float64(l.limit))
	if wait > maxWait {
		return 0, false
	}
	l.tokens -= float64(n)
	return wait, true
}

func (l *Limiter) restore(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill(l.clock.Now())
	l.tokens = math.Min(l.tokens+float64(n), float64(l.burst))
}

func (l *Limiter) refill(now time.Time) {
	if l.limit == Inf {
		l.tokens = float64(l.burst)
		l.lastUpdate = now
		return
	}
	elapsed := now.Sub(l.lastUpdate)
	if elapsed <= 0 {
		return
	}
	l.lastUpdate = now
	if l.limit == 0 {
		return
	}
	l.tokens = math.Min(l.tokens+elapsed.Seconds()*float64(l.limit), float64(l.burst))
}
