package db

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DueQuery selects posts whose trigger time has passed.
type DueQuery struct {
	Now             time.Time
	Limit           int
	RequireApproval bool          // exclude posts with a pending or rejected approval
	ClaimTTL        time.Duration // claims older than this are treated as abandoned
}

func (q DueQuery) Validate() error {
	if q.Now.IsZero() {
		return fmt.Errorf("due query: now is required")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("due query: limit must be positive")
	}
	if q.ClaimTTL <= 0 {
		return fmt.Errorf("due query: claim ttl must be positive")
	}
	return nil
}

// StaleBefore is the cutoff under which an existing claim is abandoned.
func (q DueQuery) StaleBefore() time.Time { return q.Now.Add(-q.ClaimTTL) }

// ReminderQuery selects posts entering the half-open window (From, To].
type ReminderQuery struct {
	From  time.Time
	To    time.Time
	Limit int
}

func (q ReminderQuery) Validate() error {
	if q.From.IsZero() || q.To.IsZero() {
		return fmt.Errorf("reminder query: window bounds are required")
	}
	if !q.To.After(q.From) {
		return fmt.Errorf("reminder query: window end must be after start")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("reminder query: limit must be positive")
	}
	return nil
}

// DripReference is the user timestamp a campaign counts elapsed days from.
type DripReference string

const (
	ReferenceLastActive DripReference = "last_active_at"
	ReferenceSignup     DripReference = "created_at"
)

func (r DripReference) Valid() bool {
	return r == ReferenceLastActive || r == ReferenceSignup
}

// DripQuery selects verified users whose reference falls in [Start, End)
// and who have not been sent Key yet. Paging is keyset on user id.
type DripQuery struct {
	Reference DripReference
	Field     SentField
	Key       CampaignKey
	Start     time.Time
	End       time.Time
	After     uuid.UUID
	Limit     int
}

func (q DripQuery) Validate() error {
	if !q.Reference.Valid() {
		return fmt.Errorf("drip query: unknown reference %q", q.Reference)
	}
	if !q.Field.Valid() {
		return fmt.Errorf("drip query: unknown sent field %q", q.Field)
	}
	if !q.Key.Valid() {
		return fmt.Errorf("drip query: unknown campaign key %q", q.Key)
	}
	if !q.End.After(q.Start) {
		return fmt.Errorf("drip query: window end must be after start")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("drip query: limit must be positive")
	}
	return nil
}

// ExpiringQuery selects active accounts of a provider whose token expires
// before Before or has no recorded expiry.
type ExpiringQuery struct {
	Provider string
	Before   time.Time
	Limit    int
}

func (q ExpiringQuery) Validate() error {
	if q.Provider == "" {
		return fmt.Errorf("expiring query: provider is required")
	}
	if q.Before.IsZero() {
		return fmt.Errorf("expiring query: cutoff is required")
	}
	if q.Limit <= 0 {
		return fmt.Errorf("expiring query: limit must be positive")
	}
	return nil
}
