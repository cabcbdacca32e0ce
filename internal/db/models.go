package db

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Post status constants. "scheduled" in the product UI is a draft with a
// trigger time; posted is terminal.
const (
	PostStatusDraft  = "draft"
	PostStatusPosted = "posted"
)

// Plan status constants
const (
	PlanStatusDraft     = "draft"
	PlanStatusPublished = "published"
)

// Approval status constants. An empty string means no approval requested.
const (
	ApprovalNone     = ""
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Channel account status constants
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
)

// Team member status constants
const (
	MemberStatusActive  = "active"
	MemberStatusInvited = "invited"
	MemberStatusRemoved = "removed"
)

// Post is a single schedulable content item.
type Post struct {
	ID                uuid.UUID   `json:"id"`
	TeamID            uuid.UUID   `json:"team_id"`
	CreatorID         uuid.UUID   `json:"creator_id"`
	PlanID            *uuid.UUID  `json:"plan_id,omitempty"`
	Title             *string     `json:"title,omitempty"`
	Body              string      `json:"body"`
	ChannelAccountIDs []uuid.UUID `json:"channel_account_ids"`
	ScheduledAt       time.Time   `json:"scheduled_at"`
	Status            string      `json:"status"`
	SendReminder      bool        `json:"send_reminder"`
	ReminderSent      bool        `json:"reminder_sent"`
	ApproverID        *uuid.UUID  `json:"approver_id,omitempty"`
	ApprovalStatus    string      `json:"approval_status,omitempty"`
	ApprovalNotes     *string     `json:"approval_notes,omitempty"`
	ApprovedAt        *time.Time  `json:"approved_at,omitempty"`
	PublishedAt       *time.Time  `json:"published_at,omitempty"`
	PublishError      *string     `json:"publish_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// DisplayTitle returns the title, or the start of the body when untitled.
func (p *Post) DisplayTitle() string {
	if p.Title != nil && *p.Title != "" {
		return *p.Title
	}
	r := []rune(p.Body)
	if len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return p.Body
}

// Plan is a container of posts published together.
type Plan struct {
	ID             uuid.UUID  `json:"id"`
	TeamID         uuid.UUID  `json:"team_id"`
	CreatorID      uuid.UUID  `json:"creator_id"`
	Name           string     `json:"name"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        time.Time  `json:"end_date"`
	Status         string     `json:"status"`
	ApproverID     *uuid.UUID `json:"approver_id,omitempty"`
	ApprovalStatus string     `json:"approval_status,omitempty"`
	ApprovalNotes  *string    `json:"approval_notes,omitempty"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// NewPost is the input for a post created when a plan is published.
type NewPost struct {
	Title             *string     `json:"title,omitempty"`
	Body              string      `json:"body"`
	ChannelAccountIDs []uuid.UUID `json:"channel_account_ids"`
	ScheduledAt       time.Time   `json:"scheduled_at"`
	SendReminder      bool        `json:"send_reminder"`
}

// ChannelAccount is a linked external destination with its own credentials.
type ChannelAccount struct {
	ID            uuid.UUID  `json:"id"`
	TeamID        uuid.UUID  `json:"team_id"`
	OwnerID       uuid.UUID  `json:"owner_id"`
	Provider      string     `json:"provider"`
	ExternalID    string     `json:"external_id"`
	Name          string     `json:"name"`
	AccessToken   string     `json:"-"`
	RefreshToken  *string    `json:"-"`
	TokenExpiry   *time.Time `json:"token_expiry,omitempty"`
	Status        string     `json:"status"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// User is the subset of the user record the engine reads.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	EmailVerified bool       `json:"email_verified"`
	LastActiveAt  *time.Time `json:"last_active_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// FirstName is used as the salutation in rendered messages.
func (u *User) FirstName() string {
	for i, r := range u.Name {
		if r == ' ' {
			return u.Name[:i]
		}
	}
	if u.Name == "" {
		return "there"
	}
	return u.Name
}

// TeamMember links a user to a team.
type TeamMember struct {
	ID        uuid.UUID `json:"id"`
	TeamID    uuid.UUID `json:"team_id"`
	UserID    uuid.UUID `json:"user_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Notification is an in-app record. Append-only; only IsRead changes.
type Notification struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	ObjectID    *uuid.UUID `json:"object_id,omitempty"`
	ObjectType  string     `json:"object_type"`
	Description string     `json:"description"`
	IsRead      bool       `json:"is_read"`
	CreatedAt   time.Time  `json:"created_at"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// CampaignKey identifies one bucket of a drip campaign. The set is closed:
// only the constants below are valid.
type CampaignKey string

const (
	ReengageDay3  CampaignKey = "reengage_3"
	ReengageDay7  CampaignKey = "reengage_7"
	ReengageDay21 CampaignKey = "reengage_21"

	OnboardingDay1 CampaignKey = "onboarding_1"
	OnboardingDay3 CampaignKey = "onboarding_3"
	OnboardingDay7 CampaignKey = "onboarding_7"
)

var campaignDays = map[CampaignKey]int{
	ReengageDay3:   3,
	ReengageDay7:   7,
	ReengageDay21:  21,
	OnboardingDay1: 1,
	OnboardingDay3: 3,
	OnboardingDay7: 7,
}

// Days returns the elapsed-day count of the bucket.
func (k CampaignKey) Days() int { return campaignDays[k] }

// Valid reports whether k is one of the declared buckets.
func (k CampaignKey) Valid() bool {
	_, ok := campaignDays[k]
	return ok
}

// StoredKey is the key persisted in the sent-tracking blob. The stored
// form is the day count ("3", "7", "21") because the field is per campaign.
func (k CampaignKey) StoredKey() string { return strconv.Itoa(k.Days()) }

// SentField names the jsonb column tracking a campaign's deliveries.
type SentField string

const (
	SentFieldReengagement SentField = "sent_emails"
	SentFieldOnboarding   SentField = "onboarding_emails_sent"
)

// Valid guards the column name before it is interpolated into SQL.
func (f SentField) Valid() bool {
	return f == SentFieldReengagement || f == SentFieldOnboarding
}

// SentSet is the decoded sent-tracking map: stored day key → delivered.
type SentSet map[string]bool

// Has reports whether the bucket was already delivered.
func (s SentSet) Has(k CampaignKey) bool { return s[k.StoredKey()] }

// ParseSentSet decodes the jsonb blob, tolerating null.
func ParseSentSet(raw []byte) (SentSet, error) {
	set := SentSet{}
	if len(raw) == 0 || string(raw) == "null" {
		return set, nil
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("decode sent set: %w", err)
	}
	return set, nil
}

// UserPreference holds per-user opt-ins, destinations and drip tracking.
type UserPreference struct {
	UserID           uuid.UUID `json:"user_id"`
	EmailEnabled     bool      `json:"email_enabled"`
	TelegramEnabled  bool      `json:"telegram_enabled"`
	TelegramChatID   *int64    `json:"telegram_chat_id,omitempty"`
	SMSEnabled       bool      `json:"sms_enabled"`
	PhoneNumber      *string   `json:"phone_number,omitempty"`
	PushEnabled      bool      `json:"push_enabled"`
	PushEndpoint     *string   `json:"push_endpoint,omitempty"`
	InAppEnabled     bool      `json:"in_app_enabled"`
	Topics           []string  `json:"topics"`
	PostingCadence   string    `json:"posting_cadence"`
	ReengagementSent SentSet   `json:"sent_emails"`
	OnboardingSent   SentSet   `json:"onboarding_emails_sent"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DefaultPreference is applied to users without a stored row.
func DefaultPreference(userID uuid.UUID) *UserPreference {
	return &UserPreference{
		UserID:           userID,
		EmailEnabled:     true,
		InAppEnabled:     true,
		ReengagementSent: SentSet{},
		OnboardingSent:   SentSet{},
	}
}

// Subscription is the active billing tier of a user.
type Subscription struct {
	UserID    uuid.UUID `json:"user_id"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}
