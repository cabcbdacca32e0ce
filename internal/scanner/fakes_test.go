package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/notify"
	"github.com/lalithlochan/postflow/internal/platform"
	"github.com/lalithlochan/postflow/internal/redis"
)

// memStore mirrors the SQL predicates and conditional writes of
// db.Repository closely enough to exercise the scanners.
type memStore struct {
	mu sync.Mutex

	posts    map[uuid.UUID]*db.Post
	claims   map[uuid.UUID]claimRecord
	accounts map[uuid.UUID]*db.ChannelAccount
	users    map[uuid.UUID]*db.User
	prefs    map[uuid.UUID]*db.UserPreference

	deletedPostsBefore time.Time
	deletedNotifBefore time.Time
	listErr            error
}

type claimRecord struct {
	token uuid.UUID
	at    time.Time
}

func newMemStore() *memStore {
	return &memStore{
		posts:    map[uuid.UUID]*db.Post{},
		claims:   map[uuid.UUID]claimRecord{},
		accounts: map[uuid.UUID]*db.ChannelAccount{},
		users:    map[uuid.UUID]*db.User{},
		prefs:    map[uuid.UUID]*db.UserPreference{},
	}
}

func (m *memStore) post(id uuid.UUID) db.Post {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.posts[id]
}

// Publication

func (m *memStore) ListDuePosts(ctx context.Context, q db.DueQuery) ([]*db.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.Post
	for _, p := range m.posts {
		if p.Status != db.PostStatusDraft || p.ScheduledAt.After(q.Now) {
			continue
		}
		if c, ok := m.claims[p.ID]; ok && !c.at.Before(q.StaleBefore()) {
			continue
		}
		if q.RequireApproval && p.ApprovalStatus != db.ApprovalNone && p.ApprovalStatus != db.ApprovalApproved {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) ClaimPostForPublish(ctx context.Context, id, claim uuid.UUID, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.posts[id]
	if p == nil || p.Status != db.PostStatusDraft {
		return false, nil
	}
	if c, ok := m.claims[id]; ok && !c.at.Before(staleBefore) {
		return false, nil
	}
	m.claims[id] = claimRecord{token: claim, at: now}
	return true, nil
}

func (m *memStore) MarkPostPublished(ctx context.Context, id, claim uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	p := m.posts[id]
	if !ok || c.token != claim || p.Status != db.PostStatusDraft {
		return false, nil
	}
	delete(m.claims, id)
	p.Status = db.PostStatusPosted
	p.PublishedAt = &at
	p.PublishError = nil
	return true, nil
}

func (m *memStore) ReleasePublishClaim(ctx context.Context, id, claim uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[id]; ok && c.token == claim {
		delete(m.claims, id)
		m.posts[id].PublishError = &reason
	}
	return nil
}

func (m *memStore) GetAccountsByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.ChannelAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ChannelAccount
	for _, id := range ids {
		if a, ok := m.accounts[id]; ok {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Reminder

func (m *memStore) ListReminderCandidates(ctx context.Context, q db.ReminderQuery) ([]*db.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Post
	for _, p := range m.posts {
		if p.Status == db.PostStatusDraft && p.SendReminder && !p.ReminderSent &&
			p.ScheduledAt.After(q.From) && !p.ScheduledAt.After(q.To) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ClaimReminder(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.posts[id]
	if p == nil || !p.SendReminder || p.ReminderSent {
		return false, nil
	}
	p.ReminderSent = true
	return true, nil
}

// Users, preferences and drip

func (m *memStore) GetUser(ctx context.Context, id uuid.UUID) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetPreference(ctx context.Context, userID uuid.UUID) (*db.UserPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		cp := *p
		return &cp, nil
	}
	return db.DefaultPreference(userID), nil
}

func (m *memStore) sentSet(p *db.UserPreference, field db.SentField) db.SentSet {
	if field == db.SentFieldOnboarding {
		if p.OnboardingSent == nil {
			p.OnboardingSent = db.SentSet{}
		}
		return p.OnboardingSent
	}
	if p.ReengagementSent == nil {
		p.ReengagementSent = db.SentSet{}
	}
	return p.ReengagementSent
}

func (m *memStore) ListDripCandidates(ctx context.Context, q db.DripQuery) ([]*db.User, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.User
	for _, u := range m.users {
		ref := u.CreatedAt
		if q.Reference == db.ReferenceLastActive {
			if u.LastActiveAt == nil {
				continue
			}
			ref = *u.LastActiveAt
		}
		if !u.EmailVerified || ref.Before(q.Start) || !ref.Before(q.End) {
			continue
		}
		if u.ID.String() <= q.After.String() {
			continue
		}
		if p, ok := m.prefs[u.ID]; ok && m.sentSet(p, q.Field).Has(q.Key) {
			continue
		}
		cp := *u
		out = append(out, &cp)
	}
	sortUsers(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func sortUsers(us []*db.User) {
	for i := 1; i < len(us); i++ {
		for j := i; j > 0 && us[j].ID.String() < us[j-1].ID.String(); j-- {
			us[j], us[j-1] = us[j-1], us[j]
		}
	}
}

func (m *memStore) ClaimCampaign(ctx context.Context, userID uuid.UUID, field db.SentField, key db.CampaignKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	if !ok {
		p = db.DefaultPreference(userID)
		m.prefs[userID] = p
	}
	set := m.sentSet(p, field)
	if set.Has(key) {
		return false, nil
	}
	set[key.StoredKey()] = true
	return true, nil
}

func (m *memStore) ReleaseCampaign(ctx context.Context, userID uuid.UUID, field db.SentField, key db.CampaignKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		delete(m.sentSet(p, field), key.StoredKey())
	}
	return nil
}

// Credentials

func (m *memStore) ListExpiringAccounts(ctx context.Context, q db.ExpiringQuery) ([]*db.ChannelAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.ChannelAccount
	for _, a := range m.accounts {
		if a.Provider == q.Provider && a.Status == db.AccountStatusActive &&
			(a.TokenExpiry == nil || !a.TokenExpiry.After(q.Before)) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateAccountToken(ctx context.Context, id uuid.UUID, accessToken string, expiry *time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a == nil || a.Status != db.AccountStatusActive {
		return false, nil
	}
	a.AccessToken = accessToken
	a.TokenExpiry = expiry
	a.LastCheckedAt = &at
	return true, nil
}

func (m *memStore) DeactivateAccount(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[id]
	if a == nil || a.Status != db.AccountStatusActive {
		return false, nil
	}
	a.Status = db.AccountStatusInactive
	a.LastCheckedAt = &at
	return true, nil
}

// Retention

func (m *memStore) DeletePostedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedPostsBefore = cutoff
	var n int64
	for id, p := range m.posts {
		if p.Status == db.PostStatusPosted && p.PublishedAt != nil && p.PublishedAt.Before(cutoff) {
			delete(m.posts, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedNotifBefore = cutoff
	return 3, nil
}

// recordingSender records every send per channel.
type recordingSender struct {
	mu      sync.Mutex
	channel notify.Channel
	dests   []string
	msgs    []notify.Message
	err     error
}

func (s *recordingSender) Channel() notify.Channel { return s.channel }

func (s *recordingSender) Send(ctx context.Context, dest string, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.dests = append(s.dests, dest)
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dests)
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// recordingPublisher records publish requests.
type recordingPublisher struct {
	mu   sync.Mutex
	reqs []platform.PublishRequest
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, req platform.PublishRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.reqs = append(p.reqs, req)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

// channels bundles a router over recording senders and a fan-out reading
// users and preferences from the store.
type channels struct {
	email    *recordingSender
	telegram *recordingSender
	inApp    *recordingSender
	router   *notify.Router
	fanout   *notify.Fanout
}

func newChannels(store *memStore) *channels {
	return newThrottledChannels(store, nil)
}

// newThrottledChannels wraps the external senders in a send throttle the
// way the gateway does; a nil limiter leaves them bare.
func newThrottledChannels(store *memStore, limiter notify.Limiter) *channels {
	c := &channels{
		email:    &recordingSender{channel: notify.ChannelEmail},
		telegram: &recordingSender{channel: notify.ChannelTelegram},
		inApp:    &recordingSender{channel: notify.ChannelInApp},
	}
	var email, telegram notify.Sender = c.email, c.telegram
	if limiter != nil {
		email = notify.NewThrottledSender(email, limiter, zap.NewNop())
		telegram = notify.NewThrottledSender(telegram, limiter, zap.NewNop())
	}
	c.router = notify.NewRouter(zap.NewNop(), email, telegram, c.inApp)
	c.fanout = notify.NewFanout(store, store, c.router, time.Second, zap.NewNop())
	return c
}

// newSendThrottle is a redis throttle on miniredis allowing limit sends per
// destination per hour.
func newSendThrottle(t *testing.T, limit int) *redis.Throttle {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewFromAddr(mr.Addr(), zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return redis.NewThrottle(client, redis.ThrottleConfig{Limit: limit, Window: time.Hour}, zap.NewNop())
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
