// Package circuitbreaker stops calling a failing channel transport until it
// has had time to recover.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is where a breaker sits in its cycle:
//
//	closed    --MaxFailures in a row-->       open
//	open      --RecoveryTimeout elapsed-->    half-open
//	half-open --probe ok-->                   closed
//	half-open --probe failed-->               open
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = map[State]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config tunes one breaker.
type Config struct {
	Name                string // channel the breaker guards
	MaxFailures         int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int

	// OnStateChange runs under the breaker's lock after each transition and
	// must not call back into it.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the defaults used for channel senders.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.MaxFailures <= 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxRequests <= 0 {
		c.HalfOpenMaxRequests = d.HalfOpenMaxRequests
	}
	return c
}

// counters are lifetime totals, reported through Stats.
type counters struct {
	requests  int64
	successes int64
	failures  int64
	rejected  int64
}

// CircuitBreaker tracks consecutive failures of one downstream transport.
type CircuitBreaker struct {
	mu     sync.Mutex
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	state       State
	streak      int // consecutive failures
	probes      int // calls admitted while half-open
	lastFailure time.Time
	changedAt   time.Time
	totals      counters
}

// New creates a closed breaker.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	cfg = cfg.withDefaults()
	logger.Debug("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)
	return &CircuitBreaker{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// Name returns the guarded channel name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Allow reports whether a call may proceed. Every admitted call must be
// followed by RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totals.requests++

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
		cb.moveTo(StateHalfOpen)
	}

	admitted := false
	switch cb.state {
	case StateClosed:
		admitted = true
	case StateHalfOpen:
		if cb.probes < cb.cfg.HalfOpenMaxRequests {
			cb.probes++
			admitted = true
		}
	}
	if !admitted {
		cb.totals.rejected++
	}
	return admitted
}

// RecordSuccess ends the failure streak and closes a half-open breaker.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(true) }

// RecordFailure extends the failure streak. The breaker opens at the
// threshold, or at once when a half-open probe fails.
func (cb *CircuitBreaker) RecordFailure() { cb.record(false) }

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		cb.totals.successes++
		cb.streak = 0
		if cb.state == StateHalfOpen {
			cb.moveTo(StateClosed)
		}
		return
	}

	cb.totals.failures++
	cb.streak++
	cb.lastFailure = cb.now()
	if cb.state == StateHalfOpen || (cb.state == StateClosed && cb.streak >= cb.cfg.MaxFailures) {
		cb.moveTo(StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats is a point-in-time view of one breaker, served by the channel
// status endpoint.
type Stats struct {
	Name            string `json:"name"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	TotalRequests   int64  `json:"total_requests"`
	TotalFailures   int64  `json:"total_failures"`
	TotalSuccesses  int64  `json:"total_successes"`
	TotalRejected   int64  `json:"total_rejected"`
	LastFailure     string `json:"last_failure,omitempty"`
	LastStateChange string `json:"last_state_change"`
}

// Stats snapshots the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		FailureCount:    cb.streak,
		TotalRequests:   cb.totals.requests,
		TotalFailures:   cb.totals.failures,
		TotalSuccesses:  cb.totals.successes,
		TotalRejected:   cb.totals.rejected,
		LastStateChange: cb.changedAt.Format(time.RFC3339),
	}
	if !cb.lastFailure.IsZero() {
		s.LastFailure = cb.lastFailure.Format(time.RFC3339)
	}
	return s
}

// Reset forces the breaker closed and clears the streak.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.streak = 0
	cb.moveTo(StateClosed)
	cb.logger.Info("circuit breaker reset by operator", zap.String("name", cb.cfg.Name))
}

// moveTo switches state; the caller holds the lock.
func (cb *CircuitBreaker) moveTo(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.changedAt = cb.now()
	cb.probes = 0

	fields := []zap.Field{
		zap.String("name", cb.cfg.Name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	}
	switch to {
	case StateOpen:
		cb.logger.Warn("circuit breaker opened", append(fields, zap.Int("failures", cb.streak))...)
	default:
		cb.logger.Info("circuit breaker state changed", fields...)
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		cb.cfg.Name, cb.state, cb.streak, cb.cfg.MaxFailures)
}
