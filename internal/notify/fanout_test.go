package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
)

type fakeUsers map[uuid.UUID]*db.User

func (f fakeUsers) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	u, ok := f[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

type fakePrefs map[uuid.UUID]*db.UserPreference

func (f fakePrefs) GetPreference(ctx context.Context, id uuid.UUID) (*db.UserPreference, error) {
	if p, ok := f[id]; ok {
		return p, nil
	}
	return db.DefaultPreference(id), nil
}

func int64Ptr(v int64) *int64 { return &v }

func setupFanout(pref *db.UserPreference, senders ...Sender) (*Fanout, uuid.UUID) {
	userID := uuid.New()
	users := fakeUsers{userID: {ID: userID, Email: "owner@example.com", Name: "Ada Lovelace"}}
	prefs := fakePrefs{}
	if pref != nil {
		pref.UserID = userID
		prefs[userID] = pref
	}
	return NewFanout(users, prefs, NewRouter(zap.NewNop(), senders...), 0, zap.NewNop()), userID
}

func TestFanout_AlwaysIgnoresOptIn(t *testing.T) {
	email := &recordingSender{channel: ChannelEmail}
	f, userID := setupFanout(&db.UserPreference{EmailEnabled: false}, email)

	deliveries, err := f.Notify(context.Background(), userID, Event{Kind: "reminder", Always: []Channel{ChannelEmail}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 1 || !deliveries[0].Delivered() {
		t.Fatalf("expected one delivered email, got %+v", deliveries)
	}
	if email.sent[0] != "owner@example.com" {
		t.Errorf("sent to %s", email.sent[0])
	}
}

func TestFanout_GatesOptionalChannels(t *testing.T) {
	tests := []struct {
		name      string
		pref      *db.UserPreference
		wantTele  int
		wantSkips int
	}{
		{"enabled_with_chat", &db.UserPreference{TelegramEnabled: true, TelegramChatID: int64Ptr(99)}, 1, 0},
		{"enabled_without_chat", &db.UserPreference{TelegramEnabled: true}, 0, 1},
		{"disabled_with_chat", &db.UserPreference{TelegramEnabled: false, TelegramChatID: int64Ptr(99)}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			email := &recordingSender{channel: ChannelEmail}
			tg := &recordingSender{channel: ChannelTelegram}
			f, userID := setupFanout(tt.pref, email, tg)

			deliveries, err := f.Notify(context.Background(), userID, Event{
				Always:   []Channel{ChannelEmail},
				Channels: []Channel{ChannelTelegram},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if email.count() != 1 {
				t.Errorf("email sends = %d, want 1", email.count())
			}
			if tg.count() != tt.wantTele {
				t.Errorf("telegram sends = %d, want %d", tg.count(), tt.wantTele)
			}
			skips := 0
			for _, d := range deliveries {
				if d.Skipped {
					skips++
					if !errors.Is(d.Err, ErrNoDestination) {
						t.Errorf("skip reason = %v", d.Err)
					}
				}
			}
			if skips != tt.wantSkips {
				t.Errorf("skips = %d, want %d", skips, tt.wantSkips)
			}
		})
	}
}

func TestFanout_IsolatesChannelFailures(t *testing.T) {
	email := &recordingSender{channel: ChannelEmail, err: errors.New("ses throttled")}
	inApp := &recordingSender{channel: ChannelInApp}
	f, userID := setupFanout(nil, email, inApp)

	deliveries, err := f.Notify(context.Background(), userID, Event{
		Channels: []Channel{ChannelEmail, ChannelInApp},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	if deliveries[0].Err == nil {
		t.Error("email delivery should carry the error")
	}
	if !deliveries[1].Delivered() {
		t.Errorf("in-app should be delivered: %+v", deliveries[1])
	}
	if inApp.sent[0] != userID.String() {
		t.Errorf("in-app destination = %s", inApp.sent[0])
	}
}

func TestFanout_UnknownUser(t *testing.T) {
	f, _ := setupFanout(nil, &recordingSender{channel: ChannelEmail})
	if _, err := f.Notify(context.Background(), uuid.New(), Event{Always: []Channel{ChannelEmail}}); err == nil {
		t.Fatal("expected error for unknown user")
	}
}

func TestFanout_AlwaysBypassesThrottle(t *testing.T) {
	email := &recordingSender{channel: ChannelEmail}
	chat := &recordingSender{channel: ChannelTelegram}
	f, userID := setupFanout(
		&db.UserPreference{TelegramEnabled: true, TelegramChatID: int64Ptr(7)},
		NewThrottledSender(email, &fakeLimiter{allow: false}, zap.NewNop()),
		NewThrottledSender(chat, &fakeLimiter{allow: false}, zap.NewNop()),
	)

	deliveries, err := f.Notify(context.Background(), userID, Event{
		Kind:     "reminder",
		Always:   []Channel{ChannelEmail},
		Channels: []Channel{ChannelTelegram},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deliveries[0].Delivered() || email.count() != 1 {
		t.Fatalf("always channel should be delivered, got %+v", deliveries[0])
	}
	if !errors.Is(deliveries[1].Err, ErrThrottled) || chat.count() != 0 {
		t.Errorf("optional channel should be throttled, got %+v", deliveries[1])
	}
}
