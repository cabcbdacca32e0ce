package notify

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/postflow/internal/db"
)

// UserLookup resolves the recipient's account record.
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
}

// PreferenceLookup resolves per-user opt-ins and destinations.
type PreferenceLookup interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.UserPreference, error)
}

// Event is one thing worth telling a user about.
type Event struct {
	Kind    string
	Message Message

	// Channels are offered to the user and gated by their opt-ins.
	Channels []Channel
	// Always are sent regardless of opt-ins (transactional mail) and are
	// never throttled.
	Always []Channel
}

// Delivery is the outcome of one channel of one event.
type Delivery struct {
	Channel Channel
	Skipped bool
	Err     error
}

// Delivered reports whether the channel send succeeded.
func (d Delivery) Delivered() bool { return !d.Skipped && d.Err == nil }

// Fanout sends an event to every applicable channel of a user. Channels
// are sent concurrently and independently; Notify returns once all sends
// have completed.
type Fanout struct {
	users       UserLookup
	prefs       PreferenceLookup
	router      *Router
	sendTimeout time.Duration
	logger      *zap.Logger
}

// NewFanout creates a fan-out over the router
func NewFanout(users UserLookup, prefs PreferenceLookup, router *Router, sendTimeout time.Duration, logger *zap.Logger) *Fanout {
	if sendTimeout <= 0 {
		sendTimeout = 60 * time.Second
	}
	return &Fanout{
		users:       users,
		prefs:       prefs,
		router:      router,
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Notify resolves the user and dispatches the event. The error is non-nil
// only when the recipient itself cannot be resolved; per-channel failures
// are reported in the deliveries.
func (f *Fanout) Notify(ctx context.Context, userID uuid.UUID, ev Event) ([]Delivery, error) {
	user, err := f.users.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	pref, err := f.prefs.GetPreference(ctx, userID)
	if err != nil {
		f.logger.Warn("preference lookup failed, using defaults",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		pref = db.DefaultPreference(userID)
	}

	plan := selectChannels(ev, pref)
	always := make(map[Channel]bool, len(ev.Always))
	for _, ch := range ev.Always {
		always[ch] = true
	}
	deliveries := make([]Delivery, len(plan))

	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range plan {
		deliveries[i].Channel = ch

		dest, ok := destination(ch, user, pref)
		if !ok || !f.router.Has(ch) {
			deliveries[i].Skipped = true
			if !ok {
				deliveries[i].Err = ErrNoDestination
			} else {
				deliveries[i].Err = ErrNoSender
			}
			continue
		}

		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, f.sendTimeout)
			defer cancel()
			if always[ch] {
				sctx = WithoutThrottle(sctx)
			}
			// Each channel is isolated; an error here must not cancel siblings.
			deliveries[i].Err = f.router.Send(sctx, ch, dest, ev.Message)
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range deliveries {
		switch {
		case d.Skipped:
			f.logger.Debug("channel skipped",
				zap.String("event", ev.Kind),
				zap.String("channel", d.Channel.String()),
				zap.String("user_id", userID.String()),
				zap.Error(d.Err),
			)
		case d.Err != nil:
			f.logger.Warn("channel send failed",
				zap.String("event", ev.Kind),
				zap.String("channel", d.Channel.String()),
				zap.String("user_id", userID.String()),
				zap.Error(d.Err),
			)
		}
	}

	return deliveries, nil
}

// selectChannels returns Always followed by the opted-in Channels, without
// duplicates.
func selectChannels(ev Event, pref *db.UserPreference) []Channel {
	seen := make(map[Channel]bool)
	var out []Channel
	for _, ch := range ev.Always {
		if !seen[ch] {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	for _, ch := range ev.Channels {
		if !seen[ch] && enabled(ch, pref) {
			seen[ch] = true
			out = append(out, ch)
		}
	}
	return out
}

func enabled(ch Channel, p *db.UserPreference) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelTelegram:
		return p.TelegramEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelPush:
		return p.PushEnabled
	case ChannelInApp:
		return p.InAppEnabled
	}
	return false
}

func destination(ch Channel, u *db.User, p *db.UserPreference) (string, bool) {
	switch ch {
	case ChannelEmail:
		return u.Email, u.Email != ""
	case ChannelTelegram:
		if p.TelegramChatID == nil || *p.TelegramChatID == 0 {
			return "", false
		}
		return strconv.FormatInt(*p.TelegramChatID, 10), true
	case ChannelSMS:
		if p.PhoneNumber == nil || *p.PhoneNumber == "" {
			return "", false
		}
		return *p.PhoneNumber, true
	case ChannelPush:
		if p.PushEndpoint == nil || *p.PushEndpoint == "" {
			return "", false
		}
		return *p.PushEndpoint, true
	case ChannelInApp:
		return u.ID.String(), true
	}
	return "", false
}
