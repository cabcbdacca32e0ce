package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/platform"
)

type fakeRefresher struct {
	refreshErr map[uuid.UUID]error
	verifyErr  error
	block      bool
}

func (f *fakeRefresher) Provider() string { return "facebook" }

func (f *fakeRefresher) Refresh(ctx context.Context, a *db.ChannelAccount) (platform.Token, error) {
	if f.block {
		<-ctx.Done()
		return platform.Token{}, ctx.Err()
	}
	if err := f.refreshErr[a.ID]; err != nil {
		return platform.Token{}, err
	}
	exp := scanNow.Add(60 * 24 * time.Hour)
	return platform.Token{AccessToken: "fresh-" + a.ExternalID, Expiry: &exp}, nil
}

func (f *fakeRefresher) Verify(ctx context.Context, a *db.ChannelAccount, tok platform.Token) error {
	return f.verifyErr
}

type credFixture struct {
	store     *memStore
	ch        *channels
	refresher *fakeRefresher
	scanner   *Credential
	owner     uuid.UUID
}

func newCredFixture() *credFixture {
	f := &credFixture{store: newMemStore(), refresher: &fakeRefresher{refreshErr: map[uuid.UUID]error{}}, owner: uuid.New()}
	f.store.users[f.owner] = &db.User{ID: f.owner, Email: "owner@example.com", Name: "Owner"}
	f.ch = newChannels(f.store)
	f.scanner = NewCredential(f.store, f.refresher, f.ch.fanout, CredentialConfig{
		Options: Options{BatchSize: 50, Concurrency: 2, ItemTimeout: time.Second},
		Links:   message.Links{BaseURL: "https://app.example.com"},
	}, zap.NewNop())
	f.scanner.now = fixedClock(scanNow)
	return f
}

func (f *credFixture) addAccount(provider string, expiry *time.Time) uuid.UUID {
	id := uuid.New()
	f.store.accounts[id] = &db.ChannelAccount{
		ID: id, TeamID: uuid.New(), OwnerID: f.owner, Provider: provider,
		ExternalID: id.String()[:6], Name: "Acme", AccessToken: "old",
		TokenExpiry: expiry, Status: db.AccountStatusActive,
	}
	return id
}

func at(d time.Duration) *time.Time {
	t := scanNow.Add(d)
	return &t
}

func TestCredential_RefreshesExpiring(t *testing.T) {
	f := newCredFixture()
	soon := f.addAccount("facebook", at(2*24*time.Hour))
	unknown := f.addAccount("facebook", nil)
	later := f.addAccount("facebook", at(30*24*time.Hour))
	other := f.addAccount("linkedin", at(time.Hour))

	sum, err := f.scanner.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Candidates != 2 || sum.Succeeded != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, id := range []uuid.UUID{soon, unknown} {
		a := f.store.accounts[id]
		if a.AccessToken == "old" || a.TokenExpiry == nil || a.LastCheckedAt == nil {
			t.Errorf("account %s not refreshed: %+v", id, a)
		}
	}
	for _, id := range []uuid.UUID{later, other} {
		if f.store.accounts[id].AccessToken != "old" {
			t.Errorf("account %s should be untouched", id)
		}
	}
	if f.ch.email.count() != 0 {
		t.Fatal("no owner mail on success")
	}
}

func TestCredential_FailureDeactivatesAndNotifies(t *testing.T) {
	f := newCredFixture()
	bad := f.addAccount("facebook", at(time.Hour))
	good := f.addAccount("facebook", at(time.Hour))
	f.refresher.refreshErr[bad] = errors.New("OAuthException 190")

	sum, _ := f.scanner.Run(context.Background())
	if sum.Succeeded != 1 || sum.Failed != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.store.accounts[bad].Status != db.AccountStatusInactive || f.store.accounts[bad].LastCheckedAt == nil {
		t.Fatalf("bad account = %+v", f.store.accounts[bad])
	}
	if f.store.accounts[good].Status != db.AccountStatusActive {
		t.Fatal("failures must be isolated per account")
	}
	if f.ch.email.count() != 1 || f.ch.email.dests[0] != "owner@example.com" {
		t.Fatalf("owner should get one e-mail, got %v", f.ch.email.dests)
	}

	// Inactive accounts are never selected again.
	sum, _ = f.scanner.Run(context.Background())
	if sum.Candidates != 0 || f.ch.email.count() != 1 {
		t.Fatalf("second run = %+v", sum)
	}
}

func TestCredential_VerifyFailureDeactivates(t *testing.T) {
	f := newCredFixture()
	id := f.addAccount("facebook", nil)
	f.refresher.verifyErr = errors.New("token belongs to another page")

	f.scanner.Run(context.Background())
	if f.store.accounts[id].Status != db.AccountStatusInactive {
		t.Fatal("verification failure should deactivate")
	}
	if f.store.accounts[id].AccessToken != "old" {
		t.Fatal("unverified token must not be stored")
	}
}

func TestCredential_CancelledRunDoesNotDeactivate(t *testing.T) {
	f := newCredFixture()
	id := f.addAccount("facebook", nil)
	f.refresher.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	f.scanner.cfg.ItemTimeout = time.Minute

	sum, _ := f.scanner.Run(ctx)
	if sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
	if f.store.accounts[id].Status != db.AccountStatusActive {
		t.Fatal("a cancelled run must not deactivate")
	}
}
