package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
)

var scanNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type pubFixture struct {
	store   *memStore
	pub     *recordingPublisher
	scanner *Publication
	team    uuid.UUID
	account uuid.UUID
}

func newPubFixture(requireApproval bool) *pubFixture {
	f := &pubFixture{
		store:   newMemStore(),
		pub:     &recordingPublisher{},
		team:    uuid.New(),
		account: uuid.New(),
	}
	f.store.accounts[f.account] = &db.ChannelAccount{
		ID: f.account, TeamID: f.team, Provider: "facebook", ExternalID: "page-1", Status: db.AccountStatusActive,
	}
	f.scanner = NewPublication(f.store, f.pub, PublicationConfig{
		Options:         Options{BatchSize: 50, Concurrency: 2, ItemTimeout: time.Second},
		RequireApproval: requireApproval,
		ClaimTTL:        10 * time.Minute,
	}, zap.NewNop())
	f.scanner.now = fixedClock(scanNow)
	return f
}

func (f *pubFixture) addPost(scheduled time.Time, approval string, accounts ...uuid.UUID) uuid.UUID {
	if len(accounts) == 0 {
		accounts = []uuid.UUID{f.account}
	}
	id := uuid.New()
	f.store.posts[id] = &db.Post{
		ID:                id,
		TeamID:            f.team,
		CreatorID:         uuid.New(),
		Body:              "Hello world",
		ChannelAccountIDs: accounts,
		ScheduledAt:       scheduled,
		Status:            db.PostStatusDraft,
		ApprovalStatus:    approval,
	}
	return id
}

func TestPublication_PublishesDuePosts(t *testing.T) {
	f := newPubFixture(false)
	due := f.addPost(scanNow.Add(-time.Minute), db.ApprovalNone)
	future := f.addPost(scanNow.Add(time.Hour), db.ApprovalNone)

	sum, err := f.scanner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Candidates != 1 || sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if got := f.store.post(due); got.Status != db.PostStatusPosted || got.PublishedAt == nil || !got.PublishedAt.Equal(scanNow) {
		t.Fatalf("due post = %+v", got)
	}
	if f.store.post(future).Status != db.PostStatusDraft {
		t.Fatal("future post must stay draft")
	}
	if f.pub.reqs[0].PostID != due || len(f.pub.reqs[0].Targets) != 1 {
		t.Fatalf("unexpected request: %+v", f.pub.reqs[0])
	}
}

// A posted item is never selected again, however many runs happen.
func TestPublication_Monotonic(t *testing.T) {
	f := newPubFixture(false)
	id := f.addPost(scanNow.Add(-time.Hour), db.ApprovalNone)

	for i := 0; i < 3; i++ {
		if _, err := f.scanner.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if n := f.pub.count(); n != 1 {
		t.Fatalf("published %d times, want 1", n)
	}
	if f.store.post(id).Status != db.PostStatusPosted {
		t.Fatal("post should be posted")
	}
}

func TestPublication_FailureLeavesPostScheduled(t *testing.T) {
	f := newPubFixture(false)
	id := f.addPost(scanNow.Add(-time.Minute), db.ApprovalNone)
	f.pub.err = errors.New("platform unavailable")

	sum, err := f.scanner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	got := f.store.post(id)
	if got.Status != db.PostStatusDraft || got.PublishError == nil {
		t.Fatalf("post = %+v", got)
	}
	if _, held := f.store.claims[id]; held {
		t.Fatal("claim should be released after failure")
	}

	// The next scan retries and succeeds.
	f.pub.err = nil
	if sum, _ := f.scanner.Run(context.Background()); sum.Succeeded != 1 {
		t.Fatalf("retry summary = %+v", sum)
	}
	if f.store.post(id).Status != db.PostStatusPosted {
		t.Fatal("retry should publish")
	}
}

func TestPublication_ApprovalGate(t *testing.T) {
	tests := []struct {
		name     string
		require  bool
		approval string
		want     string
	}{
		{"gate_on_pending", true, db.ApprovalPending, db.PostStatusDraft},
		{"gate_on_rejected", true, db.ApprovalRejected, db.PostStatusDraft},
		{"gate_on_approved", true, db.ApprovalApproved, db.PostStatusPosted},
		{"gate_on_none", true, db.ApprovalNone, db.PostStatusPosted},
		{"gate_off_pending", false, db.ApprovalPending, db.PostStatusPosted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPubFixture(tt.require)
			id := f.addPost(scanNow.Add(-time.Minute), tt.approval)
			if _, err := f.scanner.Run(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := f.store.post(id).Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPublication_SkipsInactiveAccounts(t *testing.T) {
	f := newPubFixture(false)
	inactive := uuid.New()
	f.store.accounts[inactive] = &db.ChannelAccount{ID: inactive, TeamID: f.team, Status: db.AccountStatusInactive}
	id := f.addPost(scanNow.Add(-time.Minute), db.ApprovalNone, f.account, inactive)

	sum, _ := f.scanner.Run(context.Background())
	if sum.Succeeded != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if targets := f.pub.reqs[0].Targets; len(targets) != 1 || targets[0].AccountID != f.account {
		t.Fatalf("targets = %+v", targets)
	}
	if f.store.post(id).Status != db.PostStatusPosted {
		t.Fatal("post should be posted to the active account")
	}
}

func TestPublication_NoActiveAccounts(t *testing.T) {
	f := newPubFixture(false)
	f.store.accounts[f.account].Status = db.AccountStatusInactive
	id := f.addPost(scanNow.Add(-time.Minute), db.ApprovalNone)

	sum, _ := f.scanner.Run(context.Background())
	if sum.Failed != 1 || f.pub.count() != 0 {
		t.Fatalf("summary = %+v, publishes = %d", sum, f.pub.count())
	}
	if f.store.post(id).Status != db.PostStatusDraft {
		t.Fatal("post must stay draft")
	}
}

func TestPublication_LiveClaimIsSkipped(t *testing.T) {
	f := newPubFixture(false)
	id := f.addPost(scanNow.Add(-time.Minute), db.ApprovalNone)
	f.store.claims[id] = claimRecord{token: uuid.New(), at: scanNow.Add(-time.Minute)}

	sum, _ := f.scanner.Run(context.Background())
	if sum.Candidates != 0 || f.pub.count() != 0 {
		t.Fatalf("claimed post should not be selected: %+v", sum)
	}

	// A claim older than the TTL is abandoned and taken over.
	f.store.claims[id] = claimRecord{token: uuid.New(), at: scanNow.Add(-time.Hour)}
	if sum, _ := f.scanner.Run(context.Background()); sum.Succeeded != 1 {
		t.Fatalf("stale claim should be taken over: %+v", sum)
	}
}

func TestPublication_QueryFailureAbortsRun(t *testing.T) {
	f := newPubFixture(false)
	f.store.listErr = errors.New("connection reset")
	if _, err := f.scanner.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
