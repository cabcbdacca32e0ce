package scanner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// RetentionStore is the persistence the retention sweep needs.
type RetentionStore interface {
	DeletePostedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionConfig configures the retention sweep. A zero age disables
// that half of the sweep.
type RetentionConfig struct {
	PostAge         time.Duration
	NotificationAge time.Duration
}

// Retention deletes published posts and read notifications past their age.
type Retention struct {
	store  RetentionStore
	cfg    RetentionConfig
	now    func() time.Time
	logger *zap.Logger
}

func NewRetention(store RetentionStore, cfg RetentionConfig, logger *zap.Logger) *Retention {
	return &Retention{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("scanner.retention"),
	}
}

func (s *Retention) Name() string { return NameRetention }

func (s *Retention) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	sum := newSummary(NameRetention, now)

	sweeps := []struct {
		what string
		age  time.Duration
		del  func(context.Context, time.Time) (int64, error)
	}{
		{"posts", s.cfg.PostAge, s.store.DeletePostedBefore},
		{"notifications", s.cfg.NotificationAge, s.store.DeleteReadNotificationsBefore},
	}
	for _, sw := range sweeps {
		if sw.age <= 0 {
			sum.add(skipped(sw.what, "disabled"))
			continue
		}
		n, err := sw.del(ctx, now.Add(-sw.age))
		if err != nil {
			s.logger.Error("retention delete failed", zap.String("what", sw.what), zap.Error(err))
			sum.add(failed(sw.what, "delete", err))
			continue
		}
		sum.Candidates += int(n)
		sum.add(succeeded(sw.what, fmt.Sprintf("deleted %d", n)))
	}

	sum.finish(s.now(), s.logger)
	return sum, nil
}
