// Package scheduler fires each scanner on its own cron cadence. It is an
// explicit object: tasks are registered on it and it is started and
// stopped by its owner.
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
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/metrics"
	"github.com/lalithlochan/postflow/internal/redis"
	"github.com/lalithlochan/postflow/internal/scanner"
)

var (
	// ErrUnknownTask is returned for a name nothing was registered under.
	ErrUnknownTask = errors.New("unknown task")
	// ErrAlreadyRunning means the task is still running in this process.
	ErrAlreadyRunning = errors.New("task already running")
)

// Task is one scanner.
type Task interface {
	Name() string
	Run(ctx context.Context) (scanner.Summary, error)
}

// Locker hands out cross-instance leases. *redis.Lease implements it and
// reports contention with redis.ErrLeaseHeld.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, error)
}

// Config configures the scheduler.
type Config struct {
	Location    *time.Location
	RunTimeout  time.Duration // bound on a single run
	LeaseTTL    time.Duration // defaults to RunTimeout plus a minute
	MinInterval time.Duration // cadences firing more often are rejected
}

// Run outcomes, also the metric label.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeContended = "contended"
	OutcomePanic     = "panic"
)

// RunRecord describes the last run of a task.
type RunRecord struct {
	Trigger    string          `json:"trigger"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	Summary    scanner.Summary `json:"-"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
}

// Status is a point-in-time view of one task.
type Status struct {
	Name    string     `json:"name"`
	Spec    string     `json:"spec"`
	Running bool       `json:"running"`
	Next    time.Time  `json:"next,omitempty"`
	Prev    time.Time  `json:"prev,omitempty"`
	LastRun *RunRecord `json:"last_run,omitempty"`
}

type entry struct {
	name     string
	spec     string
	schedule cron.Schedule
	task     Task
	id       cron.EntryID
	running  atomic.Bool

	mu   sync.Mutex
	last *RunRecord
}

// Scheduler owns the registered tasks and the cron runner.
type Scheduler struct {
	cfg    Config
	parser cron.Parser
	locker Locker
	logger *zap.Logger

	mu      sync.Mutex
	c       *cron.Cron
	entries map[string]*entry
	order   []string
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. locker may be nil for single-instance use.
func New(cfg Config, locker Locker, logger *zap.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 20 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.RunTimeout + time.Minute
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Minute
	}
	return &Scheduler{
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		locker:  locker,
		logger:  logger.Named("scheduler"),
		entries: map[string]*entry{},
	}
}

// Register adds a task under its name. Registering after Start schedules
// it immediately.
func (s *Scheduler) Register(spec string, task Task) error {
	name := task.Name()
	if name == "" {
		return errors.New("task name required")
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	if gap := minGap(sched, time.Now().In(s.cfg.Location)); gap < s.cfg.MinInterval {
		return fmt.Errorf("schedule %q for %s fires every %s, minimum is %s", spec, name, gap, s.cfg.MinInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("task %s already registered", name)
	}
	e := &entry{name: name, spec: spec, schedule: sched, task: task}
	s.entries[name] = e
	s.order = append(s.order, name)
	if s.c != nil {
		s.addLocked(e)
	}

	s.logger.Debug("task registered", zap.String("name", name), zap.String("spec", spec))
	return nil
}

// minGap samples a few consecutive activations and returns the shortest.
func minGap(sched cron.Schedule, from time.Time) time.Duration {
	prev := sched.Next(from)
	gap := time.Duration(1<<63 - 1)
	for i := 0; i < 5; i++ {
		next := sched.Next(prev)
		if d := next.Sub(prev); d < gap {
			gap = d
		}
		prev = next
	}
	return gap
}

func (s *Scheduler) addLocked(e *entry) {
	e.id = s.c.Schedule(e.schedule, cron.FuncJob(func() {
		_, _ = s.execute(s.ctx, e, "cron")
	}))
}

// Start begins firing registered tasks.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}

	cl := cronLogger{s.logger.Sugar()}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, name := range s.order {
		s.addLocked(s.entries[name])
	}
	s.c.Start()

	s.logger.Info("scheduler started",
		zap.String("tz", s.cfg.Location.String()),
		zap.Int("tasks", len(s.order)),
	)
}

// Stop stops firing and waits for running tasks until ctx expires, then
// cancels them.
func (s *Scheduler) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("stop deadline reached, cancelling running tasks")
	}
	cancel()

	s.logger.Info("scheduler stopped", zap.Duration("took", time.Since(start)))
}

// RunNow runs a task immediately in the caller's goroutine, under the same
// exclusion, lease and timeout as a scheduled run.
func (s *Scheduler) RunNow(ctx context.Context, name string) (scanner.Summary, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return scanner.Summary{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.execute(ctx, e, "manual")
}

// Status lists every task in registration order.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		st := Status{Name: name, Spec: e.spec, Running: e.running.Load()}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			st.Next, st.Prev = ce.Next, ce.Prev
		}
		e.mu.Lock()
		if e.last != nil {
			rec := *e.last
			st.LastRun = &rec
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Names returns the registered task names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

func (s *Scheduler) execute(ctx context.Context, e *entry, trigger string) (sum scanner.Summary, err error) {
	if !e.running.CompareAndSwap(false, true) {
		s.logger.Info("task still running, skipping", zap.String("name", e.name), zap.String("trigger", trigger))
		return sum, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	rec := &RunRecord{Trigger: trigger, StartedAt: time.Now()}
	defer func() {
		rec.FinishedAt = time.Now()
		if err != nil {
			rec.Error = err.Error()
		}
		rec.Summary = sum
		rec.Succeeded, rec.Failed, rec.Skipped = sum.Succeeded, sum.Failed, sum.Skipped
		e.mu.Lock()
		e.last = rec
		e.mu.Unlock()
		metrics.RecordScannerRun(e.name, rec.Outcome, rec.FinishedAt.Sub(rec.StartedAt))
	}()

	if s.locker != nil {
		release, lerr := s.locker.Acquire(ctx, e.name, s.cfg.LeaseTTL)
		switch {
		case errors.Is(lerr, redis.ErrLeaseHeld):
			metrics.RecordLeaseContention(e.name)
			s.logger.Info("task leased by another instance, skipping", zap.String("name", e.name))
			rec.Outcome = OutcomeContended
			return sum, lerr
		case lerr != nil:
			// Without redis the run proceeds unguarded; the conditional
			// writes still keep items at-most-once.
			s.logger.Warn("lease unavailable, running without it", zap.String("name", e.name), zap.Error(lerr))
		default:
			defer func() {
				rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer rcancel()
				if err := release(rctx); err != nil {
					s.logger.Warn("failed to release lease", zap.String("name", e.name), zap.Error(err))
				}
			}()
		}
	}

	sum, err = s.runGuarded(ctx, e)
	switch {
	case errors.Is(err, errPanicked):
		rec.Outcome = OutcomePanic
	case err != nil:
		rec.Outcome = OutcomeError
		s.logger.Error("task failed", zap.String("name", e.name), zap.String("trigger", trigger), zap.Error(err))
	default:
		rec.Outcome = OutcomeOK
	}
	return sum, err
}

var errPanicked = errors.New("task panicked")

// runGuarded turns a panic in one task into an error for that run only.
func (s *Scheduler) runGuarded(ctx context.Context, e *entry) (sum scanner.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", zap.String("name", e.name), zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return e.task.Run(ctx)
}

// cronLogger adapts zap to cron.Logger. Cron's info chatter goes to debug.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
