// Package scanner holds the periodic jobs that find time-triggered work,
// perform the guarded transition and send the resulting notifications.
//
// Every idempotency guard is a conditional write; a zero-row result means
// another run already handled the item and it is reported as skipped.
package scanner

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/postflow/internal/metrics"
	"github.com/lalithlochan/postflow/internal/notify"
)

// Scanner names, also used as scheduler task names and metric labels.
const (
	NamePublication  = "publication"
	NameReminder     = "reminder"
	NameReengagement = "reengagement"
	NameOnboarding   = "onboarding"
	NameCredential   = "credential"
	NameRetention    = "retention"
)

// Outcome classifies one item of a run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result is the outcome of one item.
type Result struct {
	ID      string
	Outcome Outcome
	Reason  string
	Err     error
}

func succeeded(id, reason string) Result {
	return Result{ID: id, Outcome: OutcomeSucceeded, Reason: reason}
}

func skipped(id, reason string) Result {
	return Result{ID: id, Outcome: OutcomeSkipped, Reason: reason}
}

func failed(id, reason string, err error) Result {
	return Result{ID: id, Outcome: OutcomeFailed, Reason: reason, Err: err}
}

// Summary aggregates a run.
type Summary struct {
	Scanner    string
	StartedAt  time.Time
	FinishedAt time.Time
	Candidates int
	Succeeded  int
	Failed     int
	Skipped    int
	Results    []Result
}

func newSummary(name string, now time.Time) Summary {
	return Summary{Scanner: name, StartedAt: now}
}

func (s *Summary) add(results ...Result) {
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSucceeded:
			s.Succeeded++
		case OutcomeFailed:
			s.Failed++
		default:
			s.Skipped++
		}
		s.Results = append(s.Results, r)
	}
}

// Duration is the wall time of the run.
func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

// finish stamps the summary, logs it and records item metrics.
func (s *Summary) finish(now time.Time, logger *zap.Logger) {
	s.FinishedAt = now
	metrics.RecordScannerItems(s.Scanner, s.Succeeded, s.Failed, s.Skipped)
	logger.Info("scan complete",
		zap.Int("candidates", s.Candidates),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("skipped", s.Skipped),
		zap.Duration("duration", s.Duration()),
	)
}

// Options are shared by every scanner.
type Options struct {
	BatchSize   int
	Concurrency int
	ItemTimeout time.Duration // bound on each outbound call
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 200
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = 60 * time.Second
	}
	return o
}

// Notifier fans an event out to a user's channels.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev notify.Event) ([]notify.Delivery, error)
}

// forEach runs fn over items with at most limit in flight and returns the
// results in input order. A stopped context turns the remaining items into
// skips instead of starting them.
func forEach[T any](ctx context.Context, limit int, items []T, fn func(ctx context.Context, item T) Result, id func(T) string) []Result {
	results := make([]Result, len(items))
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, item := range items {
		if ctx.Err() != nil {
			results[i] = skipped(id(item), "run cancelled")
			continue
		}
		g.Go(func() error {
			results[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
