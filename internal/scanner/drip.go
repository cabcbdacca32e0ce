package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/drip"
	"github.com/lalithlochan/postflow/internal/notify"
)

// DripStore is the persistence the drip scanner needs.
type DripStore interface {
	ListDripCandidates(ctx context.Context, q db.DripQuery) ([]*db.User, error)
	ClaimCampaign(ctx context.Context, userID uuid.UUID, field db.SentField, key db.CampaignKey) (bool, error)
	ReleaseCampaign(ctx context.Context, userID uuid.UUID, field db.SentField, key db.CampaignKey) error
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.UserPreference, error)
}

// ChannelSender sends one message on one channel. *notify.Router
// implements it.
type ChannelSender interface {
	Send(ctx context.Context, ch notify.Channel, destination string, msg notify.Message) error
}

// DripConfig configures a drip scanner.
type DripConfig struct {
	Options
	Location *time.Location
}

// Drip sends each step of a campaign to the users whose reference
// timestamp falls on that step's calendar day. A user outside every window
// on the day a step would fire never receives that step.
type Drip struct {
	name     string
	campaign drip.Campaign
	store    DripStore
	sender   ChannelSender
	renderer *drip.Renderer
	cfg      DripConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewDrip creates a scanner for one campaign. name is the task name.
func NewDrip(name string, campaign drip.Campaign, store DripStore, sender ChannelSender, renderer *drip.Renderer, cfg DripConfig, logger *zap.Logger) *Drip {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Drip{
		name:     name,
		campaign: campaign,
		store:    store,
		sender:   sender,
		renderer: renderer,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("scanner." + name),
	}
}

func (s *Drip) Name() string { return s.name }

func userID(u *db.User) string { return u.ID.String() }

// Run walks every step of the campaign. Candidates are paged by user id so
// a released claim is not revisited within the same run.
func (s *Drip) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	sum := newSummary(s.name, now)

	for _, st := range s.campaign.Steps {
		start, end := drip.DayWindow(now, s.cfg.Location, st.Days())
		q := db.DripQuery{
			Reference: s.campaign.Reference,
			Field:     s.campaign.Field,
			Key:       st.Key,
			Start:     start,
			End:       end,
			Limit:     s.cfg.BatchSize,
		}

		for {
			users, err := s.store.ListDripCandidates(ctx, q)
			if err != nil {
				return sum, fmt.Errorf("list %s candidates: %w", st.Key, err)
			}
			sum.Candidates += len(users)

			sum.add(forEach(ctx, s.cfg.Concurrency, users, func(ctx context.Context, u *db.User) Result {
				return s.deliver(ctx, st, u)
			}, userID)...)

			if len(users) < q.Limit || ctx.Err() != nil {
				break
			}
			q.After = users[len(users)-1].ID
		}
	}

	sum.finish(s.now(), s.logger)
	return sum, nil
}

func (s *Drip) deliver(ctx context.Context, st drip.Step, u *db.User) Result {
	id := u.ID.String()
	log := s.logger.With(zap.String("user_id", id), zap.String("key", string(st.Key)))

	ok, err := s.store.ClaimCampaign(ctx, u.ID, s.campaign.Field, st.Key)
	if err != nil {
		log.Error("failed to claim campaign step", zap.Error(err))
		return failed(id, "claim", err)
	}
	if !ok {
		return skipped(id, "already sent")
	}

	pref, err := s.store.GetPreference(ctx, u.ID)
	if err != nil {
		log.Warn("preference lookup failed, rendering without it", zap.Error(err))
		pref = nil
	}

	// The personalizer carries its own timeout; the send gets a fresh one.
	msg, err := s.renderer.Render(ctx, s.campaign, st, u, pref)
	if err == nil {
		// Drip steps run once a day and bypass the send throttle.
		sctx, cancel := context.WithTimeout(notify.WithoutThrottle(ctx), s.cfg.ItemTimeout)
		err = s.sender.Send(sctx, notify.ChannelEmail, u.Email, msg)
		cancel()
	}
	if err != nil {
		log.Warn("drip send failed, releasing claim", zap.Error(err))
		if rerr := s.store.ReleaseCampaign(context.WithoutCancel(ctx), u.ID, s.campaign.Field, st.Key); rerr != nil {
			log.Error("failed to release campaign claim", zap.Error(rerr))
		}
		return failed(id, string(st.Key), err)
	}
	return succeeded(id, string(st.Key))
}
