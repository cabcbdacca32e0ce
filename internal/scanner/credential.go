package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/notify"
	"github.com/lalithlochan/postflow/internal/platform"
)

// CredentialStore is the persistence the credential scanner needs.
type CredentialStore interface {
	ListExpiringAccounts(ctx context.Context, q db.ExpiringQuery) ([]*db.ChannelAccount, error)
	UpdateAccountToken(ctx context.Context, id uuid.UUID, accessToken string, expiry *time.Time, at time.Time) (bool, error)
	DeactivateAccount(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

// CredentialConfig configures the credential scanner.
type CredentialConfig struct {
	Options
	Lookahead time.Duration // refresh tokens expiring within this, 7 days by default
	Links     message.Links
}

// Credential renews linked account tokens before they expire. An account
// whose refresh or verification fails is deactivated and its owner is told
// to re-link it; inactive accounts are never selected again.
type Credential struct {
	store     CredentialStore
	refresher platform.TokenRefresher
	notifier  Notifier
	cfg       CredentialConfig
	now       func() time.Time
	logger    *zap.Logger
}

// NewCredential creates the credential scanner for the refresher's provider.
func NewCredential(store CredentialStore, refresher platform.TokenRefresher, notifier Notifier, cfg CredentialConfig, logger *zap.Logger) *Credential {
	cfg.Options = cfg.Options.withDefaults()
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 7 * 24 * time.Hour
	}
	return &Credential{
		store:     store,
		refresher: refresher,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.Named("scanner.credential"),
	}
}

func (s *Credential) Name() string { return NameCredential }

// Run refreshes one batch of expiring accounts.
func (s *Credential) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	sum := newSummary(NameCredential, now)

	accounts, err := s.store.ListExpiringAccounts(ctx, db.ExpiringQuery{
		Provider: s.refresher.Provider(),
		Before:   now.Add(s.cfg.Lookahead),
		Limit:    s.cfg.BatchSize,
	})
	if err != nil {
		return sum, fmt.Errorf("list expiring accounts: %w", err)
	}
	sum.Candidates = len(accounts)

	sum.add(forEach(ctx, s.cfg.Concurrency, accounts, s.refresh, accountID)...)

	sum.finish(s.now(), s.logger)
	return sum, nil
}

func accountID(a *db.ChannelAccount) string { return a.ID.String() }

func (s *Credential) refresh(ctx context.Context, a *db.ChannelAccount) Result {
	id := a.ID.String()
	log := s.logger.With(zap.String("account_id", id), zap.String("provider", a.Provider))

	rctx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	tok, err := s.refresher.Refresh(rctx, a)
	if err == nil {
		err = s.refresher.Verify(rctx, a, tok)
	}
	cancel()

	if err != nil {
		// A run being shut down is not evidence against the credential.
		if ctx.Err() != nil {
			return skipped(id, "run cancelled")
		}
		return s.demote(ctx, a, err, log)
	}

	ok, err := s.store.UpdateAccountToken(ctx, a.ID, tok.AccessToken, tok.Expiry, s.now())
	if err != nil {
		log.Error("failed to store refreshed token", zap.Error(err))
		return failed(id, "store token", err)
	}
	if !ok {
		return skipped(id, "account no longer active")
	}
	log.Info("credential refreshed")
	return succeeded(id, "refreshed")
}

func (s *Credential) demote(ctx context.Context, a *db.ChannelAccount, cause error, log *zap.Logger) Result {
	id := a.ID.String()
	log.Warn("credential refresh failed, deactivating account", zap.Error(cause))

	ok, err := s.store.DeactivateAccount(ctx, a.ID, s.now())
	if err != nil {
		log.Error("failed to deactivate account", zap.Error(err))
		return failed(id, "deactivate", err)
	}
	if !ok {
		return skipped(id, "already inactive")
	}

	_, err = s.notifier.Notify(ctx, a.OwnerID, notify.Event{
		Kind:     "account.relink_required",
		Message:  message.RelinkRequired(a, s.cfg.Links),
		Always:   []notify.Channel{notify.ChannelEmail},
		Channels: []notify.Channel{notify.ChannelInApp},
	})
	if err != nil {
		log.Warn("failed to notify account owner", zap.Error(err))
	}
	return failed(id, "deactivated", cause)
}
