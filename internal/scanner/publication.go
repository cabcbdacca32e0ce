package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/content"
	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/platform"
)

// PublicationStore is the persistence the publication scanner needs.
type PublicationStore interface {
	ListDuePosts(ctx context.Context, q db.DueQuery) ([]*db.Post, error)
	ClaimPostForPublish(ctx context.Context, id, claim uuid.UUID, now, staleBefore time.Time) (bool, error)
	MarkPostPublished(ctx context.Context, id, claim uuid.UUID, at time.Time) (bool, error)
	ReleasePublishClaim(ctx context.Context, id, claim uuid.UUID, reason string) error
	GetAccountsByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.ChannelAccount, error)
}

// PublicationConfig configures the publication scanner.
type PublicationConfig struct {
	Options
	// RequireApproval keeps posts with a pending or rejected approval out
	// of time-triggered publication.
	RequireApproval bool
	// ClaimTTL is how long a claim protects a post from other runs. It must
	// exceed the item timeout.
	ClaimTTL time.Duration
}

// Publication hands due posts to the platform publisher and marks them
// posted.
type Publication struct {
	store     PublicationStore
	publisher platform.Publisher
	cfg       PublicationConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewPublication creates the publication scanner.
func NewPublication(store PublicationStore, publisher platform.Publisher, cfg PublicationConfig, logger *zap.Logger) *Publication {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * cfg.ItemTimeout
	}
	return &Publication{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.Named("scanner.publication"),
	}
}

func (s *Publication) Name() string { return NamePublication }

// Run publishes one batch of due posts. Only a failing candidate query is
// returned as an error.
func (s *Publication) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	sum := newSummary(NamePublication, now)

	q := db.DueQuery{
		Now:             now,
		Limit:           s.cfg.BatchSize,
		RequireApproval: s.cfg.RequireApproval,
		ClaimTTL:        s.cfg.ClaimTTL,
	}
	posts, err := s.store.ListDuePosts(ctx, q)
	if err != nil {
		return sum, fmt.Errorf("list due posts: %w", err)
	}
	sum.Candidates = len(posts)

	sum.add(forEach(ctx, s.cfg.Concurrency, posts, func(ctx context.Context, p *db.Post) Result {
		return s.publish(ctx, p, q.StaleBefore())
	}, postID)...)

	sum.finish(s.now(), s.logger)
	return sum, nil
}

func postID(p *db.Post) string { return p.ID.String() }

func (s *Publication) publish(ctx context.Context, p *db.Post, staleBefore time.Time) Result {
	id := p.ID.String()
	log := s.logger.With(zap.String("post_id", id))

	if !content.PostStatus(p.Status).CanTransition(content.PostPosted) {
		return skipped(id, "already posted")
	}
	if s.cfg.RequireApproval && !content.ApprovalStatus(p.ApprovalStatus).Publishable() {
		return skipped(id, "awaiting approval")
	}

	claim := uuid.New()
	ok, err := s.store.ClaimPostForPublish(ctx, p.ID, claim, s.now(), staleBefore)
	if err != nil {
		log.Error("failed to claim post", zap.Error(err))
		return failed(id, "claim", err)
	}
	if !ok {
		return skipped(id, "claimed by another run")
	}

	active, inactive, err := s.targets(ctx, p)
	if err != nil {
		s.release(ctx, p.ID, claim, err)
		return failed(id, "load accounts", err)
	}
	if len(inactive) > 0 {
		log.Warn("skipping inactive channel accounts", zap.Strings("account_ids", inactive))
	}
	if len(active) == 0 {
		err := fmt.Errorf("no active channel accounts")
		s.release(ctx, p.ID, claim, err)
		return failed(id, "no active accounts", err)
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	err = s.publisher.Publish(pctx, platform.NewPublishRequest(p, claim, active))
	cancel()
	if err != nil {
		log.Warn("publish failed, post stays scheduled", zap.Error(err))
		s.release(ctx, p.ID, claim, err)
		return failed(id, "publish", err)
	}

	marked, err := s.store.MarkPostPublished(ctx, p.ID, claim, s.now())
	if err != nil {
		log.Error("published but status write failed", zap.Error(err))
		return failed(id, "mark posted", err)
	}
	if !marked {
		return failed(id, "claim lost", fmt.Errorf("publish claim %s no longer held", claim))
	}

	log.Info("post published", zap.Int("accounts", len(active)))
	if len(inactive) > 0 {
		return succeeded(id, fmt.Sprintf("published to %d of %d accounts", len(active), len(active)+len(inactive)))
	}
	return succeeded(id, "")
}

func (s *Publication) targets(ctx context.Context, p *db.Post) ([]*db.ChannelAccount, []string, error) {
	accounts, err := s.store.GetAccountsByIDs(ctx, p.ChannelAccountIDs)
	if err != nil {
		return nil, nil, err
	}
	found := make(map[uuid.UUID]*db.ChannelAccount, len(accounts))
	for _, a := range accounts {
		found[a.ID] = a
	}

	var active []*db.ChannelAccount
	var inactive []string
	for _, aid := range p.ChannelAccountIDs {
		a, ok := found[aid]
		if !ok || a.Status != db.AccountStatusActive || a.TeamID != p.TeamID {
			inactive = append(inactive, aid.String())
			continue
		}
		active = append(active, a)
	}
	return active, inactive, nil
}

// release runs detached from the item context so an expired publish call
// still frees the claim.
func (s *Publication) release(ctx context.Context, id, claim uuid.UUID, cause error) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.ReleasePublishClaim(rctx, id, claim, cause.Error()); err != nil {
		s.logger.Error("failed to release publish claim",
			zap.String("post_id", id.String()),
			zap.Error(err),
		)
	}
}
