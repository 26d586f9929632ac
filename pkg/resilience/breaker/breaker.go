// Package breaker implements a three-state circuit breaker with consecutive,
// rolling-window count, rolling-window rate and hybrid trip conditions.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/common/validation"
)

// State represents the circuit breaker state.
type State int

const (
	// Closed lets operations through and counts failures.
	Closed State = iota
	// Open fails fast until the recovery timeout elapses.
	Open
	// HalfOpen admits trial operations to test recovery.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Mode selects the condition that trips a closed breaker.
type Mode int

const (
	// ConsecutiveFailures trips after FailureThreshold failures in a row.
	ConsecutiveFailures Mode = iota
	// RollingWindowCount trips after FailureThreshold failures among the
	// last WindowSize operations.
	RollingWindowCount
	// RollingWindowRate trips when the failure ratio over the last
	// WindowSize operations reaches FailureRate.
	RollingWindowRate
	// Hybrid trips when any of the above conditions holds.
	Hybrid
)

var modeNames = map[Mode]string{
	ConsecutiveFailures: "consecutive_failures",
	RollingWindowCount:  "rolling_window_count",
	RollingWindowRate:   "rolling_window_rate",
	Hybrid:              "hybrid",
}

// String returns the mode name.
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode converts a mode name as produced by String.
func ParseMode(name string) (Mode, error) {
	for mode, n := range modeNames {
		if n == name {
			return mode, nil
		}
	}
	return ConsecutiveFailures, fmt.Errorf("unknown circuit breaker mode %q", name)
}

// ErrCircuitOpen is returned when an operation is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock abstracts time for the recovery timeout.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a circuit breaker.
type Config struct {
	// Name identifies the breaker in callbacks and logs.
	Name string

	Mode Mode

	// FailureThreshold is the failure count for ConsecutiveFailures and
	// RollingWindowCount.
	FailureThreshold int

	// WindowSize is the number of most recent operations the rolling
	// modes look at.
	WindowSize int

	// FailureRate is the trip ratio for RollingWindowRate, in (0, 1].
	FailureRate float64

	// MinimumOperations is the number of operations the window must hold
	// before the rate is evaluated. Zero means WindowSize.
	MinimumOperations int

	// RecoveryTimeout is how long the breaker stays open before admitting
	// a trial operation.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls is the number of trial operations Allow admits
	// while half-open.
	HalfOpenMaxCalls int

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Clock defaults to the system clock.
	Clock Clock
}

// DefaultConfig returns the defaults used when a stage does not configure
// its breaker.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Mode:             ConsecutiveFailures,
		FailureThreshold: 5,
		WindowSize:       20,
		FailureRate:      0.5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Validate checks the fields the configured mode depends on.
func (c Config) Validate() error {
	if _, ok := modeNames[c.Mode]; !ok {
		return sferrors.NewValidationError("breaker", "Mode", c.Mode, "unknown mode")
	}
	if c.Mode != RollingWindowRate {
		if err := validation.ValidatePositive("breaker", "FailureThreshold", c.FailureThreshold); err != nil {
			return err
		}
	}
	if c.Mode != ConsecutiveFailures {
		if err := validation.ValidatePositive("breaker", "WindowSize", c.WindowSize); err != nil {
			return err
		}
		if c.MinimumOperations < 0 || c.MinimumOperations > c.WindowSize {
			return sferrors.NewValidationError("breaker", "MinimumOperations", c.MinimumOperations,
				"must be between 0 and WindowSize")
		}
	}
	if c.Mode == RollingWindowRate || c.Mode == Hybrid {
		if err := validation.ValidateFraction("breaker", "FailureRate", c.FailureRate); err != nil {
			return err
		}
	}
	if c.RecoveryTimeout < 0 {
		return sferrors.NewValidationError("breaker", "RecoveryTimeout", c.RecoveryTimeout, "must not be negative")
	}
	return nil
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	State               State
	ConsecutiveFailures int
	WindowOperations    int
	WindowFailures      int
	TotalSuccesses      int64
	TotalFailures       int64
	OpenedAt            time.Time
}

type transition struct {
	from, to State
}

// CircuitBreaker guards an operation that may fail repeatedly.
//
// Closed → Open when the mode's threshold is crossed. Open → HalfOpen once
// RecoveryTimeout has elapsed, observed lazily by State and Allow.
// HalfOpen → Closed on a success, HalfOpen → Open on a failure.
type CircuitBreaker struct {
	config Config
	clock  Clock

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	consecutive   int
	halfOpenCalls int

	window      []bool // true = failure
	windowPos   int
	windowLen   int
	windowFails int

	successes int64
	failures  int64

	pending []transition
}

// WithDefaults replaces zero values with the corresponding DefaultConfig
// values.
func (c Config) WithDefaults() Config {
	def := DefaultConfig(c.Name)
	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.WindowSize == 0 {
		c.WindowSize = def.WindowSize
	}
	if c.FailureRate == 0 {
		c.FailureRate = def.FailureRate
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	return c
}

// New creates a circuit breaker from config.WithDefaults().
func New(config Config) (*CircuitBreaker, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.MinimumOperations == 0 {
		config.MinimumOperations = config.WindowSize
	}

	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}

	return &CircuitBreaker{
		config: config,
		clock:  clock,
		state:  Closed,
		window: make([]bool, config.WindowSize),
	}, nil
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	state := cb.currentStateLocked()
	cb.unlockAndNotify()
	return state
}

// Allow reports whether an operation may proceed now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	switch cb.currentStateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	cb.successes++
	switch cb.currentStateLocked() {
	case Closed:
		cb.consecutive = 0
		cb.observeLocked(false)
	case HalfOpen:
		cb.toStateLocked(Closed)
	}
}

// RecordFailure records a failed operation and returns the resulting state.
func (cb *CircuitBreaker) RecordFailure() State {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	cb.failures++
	switch cb.currentStateLocked() {
	case Closed:
		cb.consecutive++
		cb.observeLocked(true)
		if cb.trippedLocked() {
			cb.toStateLocked(Open)
		}
	case HalfOpen:
		cb.toStateLocked(Open)
	}
	return cb.state
}

// Execute runs fn if the breaker allows it and records the outcome.
// It returns ErrCircuitOpen without calling fn when rejected.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// Reset returns the breaker to Closed and clears all window counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	cb.toStateLocked(Closed)
	cb.clearLocked()
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.unlockAndNotify()

	return Stats{
		State:               cb.currentStateLocked(),
		ConsecutiveFailures: cb.consecutive,
		WindowOperations:    cb.windowLen,
		WindowFailures:      cb.windowFails,
		TotalSuccesses:      cb.successes,
		TotalFailures:       cb.failures,
		OpenedAt:            cb.openedAt,
	}
}

func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == Open && !cb.clock.Now().Before(cb.openedAt.Add(cb.config.RecoveryTimeout)) {
		cb.toStateLocked(HalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) observeLocked(failed bool) {
	if cb.windowLen == len(cb.window) {
		if cb.window[cb.windowPos] {
			cb.windowFails--
		}
	} else {
		cb.windowLen++
	}
	cb.window[cb.windowPos] = failed
	if failed {
		cb.windowFails++
	}
	cb.windowPos = (cb.windowPos + 1) % len(cb.window)
}

func (cb *CircuitBreaker) trippedLocked() bool {
	consecutive := cb.consecutive >= cb.config.FailureThreshold
	count := cb.windowFails >= cb.config.FailureThreshold
	rate := cb.windowLen >= cb.config.MinimumOperations &&
		float64(cb.windowFails)/float64(cb.windowLen) >= cb.config.FailureRate

	switch cb.config.Mode {
	case ConsecutiveFailures:
		return consecutive
	case RollingWindowCount:
		return count
	case RollingWindowRate:
		return rate
	default:
		return consecutive || count || rate
	}
}

func (cb *CircuitBreaker) toStateLocked(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.halfOpenCalls = 0

	switch to {
	case Closed:
		cb.clearLocked()
	case Open:
		cb.openedAt = cb.clock.Now()
	}

	if cb.config.OnStateChange != nil {
		cb.pending = append(cb.pending, transition{from: from, to: to})
	}
}

func (cb *CircuitBreaker) clearLocked() {
	cb.consecutive = 0
	cb.windowPos = 0
	cb.windowLen = 0
	cb.windowFails = 0
	for i := range cb.window {
		cb.window[i] = false
	}
}

// unlockAndNotify releases cb.mu and then delivers queued transitions.
func (cb *CircuitBreaker) unlockAndNotify() {
	pending := cb.pending
	cb.pending = nil
	cb.mu.Unlock()

	for _, t := range pending {
		cb.config.OnStateChange(cb.config.Name, t.from, t.to)
	}
}
