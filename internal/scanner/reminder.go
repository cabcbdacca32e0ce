package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/notify"
)

// ReminderStore is the persistence the reminder scanner needs.
type ReminderStore interface {
	ListReminderCandidates(ctx context.Context, q db.ReminderQuery) ([]*db.Post, error)
	ClaimReminder(ctx context.Context, id uuid.UUID) (bool, error)
}

// ReminderConfig configures the reminder scanner.
type ReminderConfig struct {
	Options
	Lookahead time.Duration // reminder window length, 24h by default
	Location  *time.Location
	Links     message.Links
}

// Reminder tells creators about posts going out within the lookahead.
//
// The reminder flag is claimed before dispatch and never reset: a reminder
// whose sends fail is not retried. That trades guaranteed delivery for a
// guarantee that nobody is reminded twice.
type Reminder struct {
	store    ReminderStore
	notifier Notifier
	cfg      ReminderConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewReminder creates the reminder scanner.
func NewReminder(store ReminderStore, notifier Notifier, cfg ReminderConfig, logger *zap.Logger) *Reminder {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Reminder{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("scanner.reminder"),
	}
}

func (s *Reminder) Name() string { return NameReminder }

// Run reminds one batch of posts scheduled in (now, now+lookahead].
func (s *Reminder) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	sum := newSummary(NameReminder, now)

	posts, err := s.store.ListReminderCandidates(ctx, db.ReminderQuery{
		From:  now,
		To:    now.Add(s.cfg.Lookahead),
		Limit: s.cfg.BatchSize,
	})
	if err != nil {
		return sum, fmt.Errorf("list reminder candidates: %w", err)
	}
	sum.Candidates = len(posts)

	sum.add(forEach(ctx, s.cfg.Concurrency, posts, s.remind, postID)...)

	sum.finish(s.now(), s.logger)
	return sum, nil
}

func (s *Reminder) remind(ctx context.Context, p *db.Post) Result {
	id := p.ID.String()
	log := s.logger.With(zap.String("post_id", id))

	ok, err := s.store.ClaimReminder(ctx, p.ID)
	if err != nil {
		log.Error("failed to claim reminder", zap.Error(err))
		return failed(id, "claim", err)
	}
	if !ok {
		return skipped(id, "already reminded")
	}

	// E-mail always goes out; the chat-bot only when the creator enabled it
	// and stored a chat id.
	deliveries, err := s.notifier.Notify(ctx, p.CreatorID, notify.Event{
		Kind:     "post.reminder",
		Message:  message.Reminder(p, s.cfg.Location, s.cfg.Links),
		Always:   []notify.Channel{notify.ChannelEmail},
		Channels: []notify.Channel{notify.ChannelTelegram},
	})
	if err != nil {
		log.Warn("reminder recipient unresolved", zap.Error(err))
		return failed(id, "resolve creator", err)
	}

	var errs []error
	delivered := 0
	for _, d := range deliveries {
		switch {
		case d.Delivered():
			delivered++
		case !d.Skipped:
			errs = append(errs, fmt.Errorf("%s: %w", d.Channel, d.Err))
		}
	}
	if len(errs) > 0 {
		return failed(id, fmt.Sprintf("%d of %d channels failed", len(errs), len(deliveries)), errors.Join(errs...))
	}
	if delivered == 0 {
		return skipped(id, "no deliverable channel")
	}
	return succeeded(id, fmt.Sprintf("%d channels", delivered))
}
