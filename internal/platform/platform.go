// Package platform talks to the external social platforms: handing due posts
// to the posting service and keeping linked account credentials fresh.
package platform

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/postflow/internal/db"
)

// Publisher hands a due post to whatever actually posts it.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) error
}

// Target is one channel account a post goes out to.
type Target struct {
	AccountID  uuid.UUID `json:"account_id"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
}

// PublishRequest is the wire shape shared by the HTTP and queue publishers.
type PublishRequest struct {
	PostID      uuid.UUID `json:"post_id"`
	TeamID      uuid.UUID `json:"team_id"`
	ClaimID     uuid.UUID `json:"claim_id"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Targets     []Target  `json:"targets"`
}

// NewPublishRequest builds a request for the given active accounts.
func NewPublishRequest(p *db.Post, claim uuid.UUID, accounts []*db.ChannelAccount) PublishRequest {
	req := PublishRequest{
		PostID:      p.ID,
		TeamID:      p.TeamID,
		ClaimID:     claim,
		Body:        p.Body,
		ScheduledAt: p.ScheduledAt,
		Targets:     make([]Target, 0, len(accounts)),
	}
	if p.Title != nil {
		req.Title = *p.Title
	}
	for _, a := range accounts {
		req.Targets = append(req.Targets, Target{
			AccountID:  a.ID,
			Provider:   a.Provider,
			ExternalID: a.ExternalID,
		})
	}
	return req
}

// Token is a freshly issued access token.
type Token struct {
	AccessToken string
	Expiry      *time.Time
}

// TokenRefresher renews and verifies a linked account's credentials.
type TokenRefresher interface {
	Provider() string
	Refresh(ctx context.Context, account *db.ChannelAccount) (Token, error)
	Verify(ctx context.Context, account *db.ChannelAccount, token Token) error
}
