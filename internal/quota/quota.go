// Package quota gates create and publish actions against the limits of the
// user's subscription tier.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/metrics"
)

// Action is a resource kind that consumes quota.
type Action string

const (
	ActionTeam   Action = "team"
	ActionPost   Action = "post"
	ActionPlan   Action = "plan"
	ActionInvite Action = "invite"
)

// ParseAction validates a user-supplied action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionTeam, ActionPost, ActionPlan, ActionInvite:
		return a, nil
	}
	return "", apperr.New(apperr.KindValidation, "parse action", fmt.Sprintf("unknown quota action %q", s))
}

// monthly reports whether usage is counted per calendar month rather
// than all time.
func (a Action) monthly() bool { return a == ActionPost || a == ActionPlan }

// Unlimited marks a limit that always passes.
const Unlimited = -1

// Limits are the caps of one tier.
type Limits struct {
	Teams   int `json:"teams"`
	Posts   int `json:"posts"`
	Plans   int `json:"plans"`
	Invites int `json:"invites"`
}

// For returns the cap for an action.
func (l Limits) For(a Action) int {
	switch a {
	case ActionTeam:
		return l.Teams
	case ActionPost:
		return l.Posts
	case ActionPlan:
		return l.Plans
	case ActionInvite:
		return l.Invites
	}
	return 0
}

// FreeTier is applied when the user has no active subscription.
const FreeTier = "free"

// Table maps tier names to limits.
type Table map[string]Limits

// DefaultTable returns the built-in tier limits.
func DefaultTable() Table {
	return Table{
		FreeTier:   {Teams: 1, Posts: 30, Plans: 3, Invites: 2},
		"pro":      {Teams: 5, Posts: 300, Plans: 30, Invites: 20},
		"business": {Teams: Unlimited, Posts: Unlimited, Plans: Unlimited, Invites: Unlimited},
	}
}

// LimitExceededError names the limit that blocked an action.
type LimitExceededError struct {
	Action Action
	Limit  int
	Tier   string
	Used   int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s limit reached: %d of %d on %s tier", e.Action, e.Used, e.Limit, e.Tier)
}

// AppKind classifies the error for apperr.KindOf.
func (e *LimitExceededError) AppKind() apperr.Kind { return apperr.KindQuotaExceeded }

// Usage counts consumed resources. *db.Repository implements it.
type Usage interface {
	ActiveTier(ctx context.Context, userID uuid.UUID) (string, bool, error)
	CountTeams(ctx context.Context, userID uuid.UUID) (int, error)
	CountInvites(ctx context.Context, userID uuid.UUID) (int, error)
	CountPostsCreated(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error)
	CountPlansCreated(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error)
}

// Report is the usage of one action against its limit.
type Report struct {
	Action    Action `json:"action"`
	Tier      string `json:"tier"`
	Limit     int    `json:"limit"`
	Used      int    `json:"used"`
	Remaining int    `json:"remaining"` // -1 when unlimited
}

// Allowed reports whether one more action fits.
func (r Report) Allowed() bool {
	return r.Limit == Unlimited || r.Used < r.Limit
}

// Checker evaluates quota for a user.
type Checker struct {
	usage  Usage
	table  Table
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// NewChecker creates a checker using the default table. Calendar months
// are computed in loc.
func NewChecker(usage Usage, loc *time.Location, logger *zap.Logger) *Checker {
	if loc == nil {
		loc = time.UTC
	}
	return &Checker{
		usage:  usage,
		table:  DefaultTable(),
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
}

// Usage reports how much of an action's limit the user has consumed.
func (c *Checker) Usage(ctx context.Context, userID uuid.UUID, action Action) (Report, error) {
	tier, limits, err := c.limitsFor(ctx, userID)
	if err != nil {
		return Report{}, err
	}

	rep := Report{Action: action, Tier: tier, Limit: limits.For(action), Remaining: Unlimited}
	if rep.Limit == Unlimited {
		return rep, nil
	}

	used, err := c.count(ctx, userID, action)
	if err != nil {
		return Report{}, fmt.Errorf("count %s usage: %w", action, err)
	}
	rep.Used = used
	rep.Remaining = max(0, rep.Limit-used)
	return rep, nil
}

// CheckLimit returns a *LimitExceededError when the user has used their
// allowance for action.
func (c *Checker) CheckLimit(ctx context.Context, userID uuid.UUID, action Action) error {
	rep, err := c.Usage(ctx, userID, action)
	if err != nil {
		return err
	}
	if rep.Allowed() {
		return nil
	}

	metrics.RecordQuotaRejection(string(action), rep.Tier)
	c.logger.Info("quota limit reached",
		zap.String("user_id", userID.String()),
		zap.String("action", string(action)),
		zap.String("tier", rep.Tier),
		zap.Int("limit", rep.Limit),
	)
	return &LimitExceededError{Action: action, Limit: rep.Limit, Tier: rep.Tier, Used: rep.Used}
}

// Guard runs fn only if the action is within quota.
func (c *Checker) Guard(ctx context.Context, userID uuid.UUID, action Action, fn func(ctx context.Context) error) error {
	if err := c.CheckLimit(ctx, userID, action); err != nil {
		return err
	}
	return fn(ctx)
}

func (c *Checker) limitsFor(ctx context.Context, userID uuid.UUID) (string, Limits, error) {
	tier, ok, err := c.usage.ActiveTier(ctx, userID)
	if err != nil {
		return "", Limits{}, fmt.Errorf("resolve subscription: %w", err)
	}
	if !ok {
		return FreeTier, c.table[FreeTier], nil
	}
	limits, known := c.table[tier]
	if !known {
		c.logger.Warn("unknown subscription tier, applying free limits",
			zap.String("user_id", userID.String()),
			zap.String("tier", tier),
		)
		return FreeTier, c.table[FreeTier], nil
	}
	return tier, limits, nil
}

func (c *Checker) count(ctx context.Context, userID uuid.UUID, action Action) (int, error) {
	if !action.monthly() {
		if action == ActionTeam {
			return c.usage.CountTeams(ctx, userID)
		}
		return c.usage.CountInvites(ctx, userID)
	}

	from, to := MonthWindow(c.now().In(c.loc))
	if action == ActionPost {
		return c.usage.CountPostsCreated(ctx, userID, from, to)
	}
	return c.usage.CountPlansCreated(ctx, userID, from, to)
}

// MonthWindow returns the first instant of t's calendar month and the last
// representable instant of its final day, in t's location.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	return first, first.AddDate(0, 1, 0).Add(-time.Nanosecond)
}
