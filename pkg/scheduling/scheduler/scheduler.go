package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	sfcontext "github.com/vnykmshr/streamline/pkg/common/context"
	sferrors "github.com/vnykmshr/streamline/pkg/common/errors"
	"github.com/vnykmshr/streamline/pkg/common/logger"
	"github.com/vnykmshr/streamline/pkg/metrics"
	"github.com/vnykmshr/streamline/pkg/pipeline"
)

var (
	// ErrScheduleExists is returned when a schedule name is already taken.
	ErrScheduleExists = errors.New("schedule already exists")

	// ErrScheduleNotFound is returned for unknown schedule names.
	ErrScheduleNotFound = errors.New("schedule not found")

	// ErrStillRunning is returned by RunNow while the previous run of the
	// same schedule is active.
	ErrStillRunning = errors.New("previous run still active")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler stopped")
)

// statusBuildFailed labels scheduled runs whose graph factory failed.
const statusBuildFailed = "build_failed"

// GraphFactory builds the graph for one run. It is called once per run so
// that no stage state is shared between runs.
type GraphFactory func() (*pipeline.Graph, error)

// Config holds scheduler configuration.
type Config struct {
	// Location interprets cron specs. Nil means time.Local.
	Location *time.Location

	// Logger is the base logger. Nil disables logging.
	Logger *zerolog.Logger

	// Metrics records scheduled and skipped runs. Nil disables metrics.
	Metrics *metrics.Registry

	// Seconds makes specs take a leading seconds field.
	Seconds bool

	// OnResult is called after every scheduled or manual run.
	OnResult func(name string, res *pipeline.Result, err error)
}

// Info describes a registered schedule.
type Info struct {
	Name    string
	Spec    string
	Next    time.Time
	Running bool
}

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	factory  GraphFactory
	id       cron.EntryID
	running  atomic.Bool
}

// Scheduler triggers pipeline runs on cron schedules.
type Scheduler struct {
	runner   *pipeline.Runner
	cron     *cron.Cron
	parser   cron.Parser
	location *time.Location
	logger   zerolog.Logger
	metrics  *metrics.Registry
	onResult func(string, *pipeline.Result, error)

	// ctx is canceled by Stop; scheduled runs derive from it and manual
	// runs are canceled with it.
	ctx    context.Context
	cancel context.CancelFunc

	// manual tracks RunNow calls in flight.
	manual sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	stopped bool
}

// New creates a scheduler that executes graphs on runner.
func New(runner *pipeline.Runner, config Config) (*Scheduler, error) {
	if runner == nil {
		return nil, sferrors.NewValidationError("scheduler", "runner", nil, "must not be nil")
	}

	location := config.Location
	if location == nil {
		location = time.Local
	}

	log := logger.Nop()
	if config.Logger != nil {
		log = logger.WithComponent(*config.Logger, "scheduler")
	}

	fields := cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor
	if config.Seconds {
		fields |= cron.Second
	}
	parser := cron.NewParser(fields)

	cl := cronLogger{log}
	c := cron.New(
		cron.WithLocation(location),
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:   runner,
		cron:     c,
		parser:   parser,
		location: location,
		logger:   log,
		metrics:  config.Metrics,
		onResult: config.OnResult,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
	}, nil
}

// Schedule registers factory under name to run on spec.
func (s *Scheduler) Schedule(name, spec string, factory GraphFactory) error {
	if name == "" {
		return sferrors.NewValidationError("scheduler", "name", name, "must not be empty")
	}
	if factory == nil {
		return sferrors.NewValidationError("scheduler", "factory", nil, "must not be nil")
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return sferrors.NewValidationError("scheduler", "spec", spec, err.Error()).
			WithHint("use five cron fields or a descriptor such as @hourly or @every 5m")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, name)
	}

	e := &entry{name: name, spec: spec, schedule: schedule, factory: factory}
	e.id = s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))
	s.entries[name] = e

	s.logger.Info().Str("schedule", name).Str("spec", spec).Msg("schedule registered")
	return nil
}

// Unschedule removes a schedule. A run already in progress is not
// interrupted.
func (s *Scheduler) Unschedule(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	s.logger.Info().Str("schedule", name).Msg("schedule removed")
	return nil
}

// Next returns the next activation time of a schedule.
func (s *Scheduler) Next(name string) (time.Time, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	return s.next(e), nil
}

// Schedules lists registered schedules sorted by name.
func (s *Scheduler) Schedules() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Info{Name: e.name, Spec: e.spec, Next: s.next(e), Running: e.running.Load()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) next(e *entry) time.Time {
	if n := s.cron.Entry(e.id).Next; !n.IsZero() {
		return n
	}
	return e.schedule.Next(time.Now().In(s.location))
}

// RunNow runs a schedule immediately with ctx, outside its cron timing.
// It fails with ErrStillRunning while another run of the same schedule is
// active. Stop cancels the run and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, name string) (*pipeline.Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, name)
	}
	s.manual.Add(1)
	s.mu.Unlock()
	defer s.manual.Done()

	if !e.running.CompareAndSwap(false, true) {
		s.skipped(e)
		return nil, fmt.Errorf("%w: %s", ErrStillRunning, name)
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return s.execute(ctx, e)
}

// Start begins firing schedules. It is a no-op when already started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.cron.Start()
	s.logger.Info().Int("schedules", len(s.entries)).Msg("scheduler started")
	return nil
}

// Stop halts the scheduler, cancels active scheduled and manual runs and
// waits for them to return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.manual.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Err(ctx.Err()).Msg("scheduler stop timed out with runs still active")
		return ctx.Err()
	}
}

// fire is the cron job for e. Overlapping activations are skipped.
func (s *Scheduler) fire(e *entry) {
	if sfcontext.IsCanceled(s.ctx) {
		return
	}
	if !e.running.CompareAndSwap(false, true) {
		s.skipped(e)
		return
	}
	defer e.running.Store(false)
	_, _ = s.execute(s.ctx, e)
}

func (s *Scheduler) skipped(e *entry) {
	s.logger.Warn().Str("schedule", e.name).Msg("run skipped, previous run still active")
	if s.metrics != nil {
		s.metrics.SkippedRuns.WithLabelValues(e.name).Inc()
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) (*pipeline.Result, error) {
	log := s.logger.With().Str("schedule", e.name).Logger()

	g, err := e.factory()
	if err != nil {
		err = fmt.Errorf("schedule %s: build graph: %w", e.name, err)
		log.Error().Err(err).Msg("scheduled run not started")
		s.finish(e.name, statusBuildFailed, nil, err)
		return nil, err
	}

	res, err := s.runner.Run(ctx, g)
	status := statusBuildFailed
	if res != nil {
		status = res.Status.String()
	}
	switch {
	case err == nil:
		log.Debug().Str("status", status).Dur("duration", res.Duration).Msg("scheduled run finished")
	case sfcontext.IsCancellation(ctx, err):
		log.Info().Str("status", status).Msg("scheduled run canceled")
	default:
		log.Warn().Err(err).Str("status", status).Msg("scheduled run finished")
	}
	s.finish(e.name, status, res, err)
	return res, err
}

func (s *Scheduler) finish(name, status string, res *pipeline.Result, err error) {
	if s.metrics != nil {
		s.metrics.ScheduledRuns.WithLabelValues(name, status).Inc()
		s.metrics.ObserveRun(res)
	}
	if s.onResult != nil {
		s.onResult(name, res, err)
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
