package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/db"
)

func TestRetention_Sweeps(t *testing.T) {
	store := newMemStore()
	old := scanNow.Add(-400 * 24 * time.Hour)
	recent := scanNow.Add(-24 * time.Hour)
	oldID, recentID := uuid.New(), uuid.New()
	store.posts[oldID] = &db.Post{ID: oldID, Status: db.PostStatusPosted, PublishedAt: &old}
	store.posts[recentID] = &db.Post{ID: recentID, Status: db.PostStatusPosted, PublishedAt: &recent}

	r := NewRetention(store, RetentionConfig{PostAge: 365 * 24 * time.Hour, NotificationAge: 30 * 24 * time.Hour}, zap.NewNop())
	r.now = fixedClock(scanNow)

	sum, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Succeeded != 2 || sum.Candidates != 4 {
		t.Fatalf("summary = %+v", sum)
	}
	if _, ok := store.posts[oldID]; ok {
		t.Error("old post should be deleted")
	}
	if _, ok := store.posts[recentID]; !ok {
		t.Error("recent post should be kept")
	}
	if !store.deletedNotifBefore.Equal(scanNow.Add(-30 * 24 * time.Hour)) {
		t.Errorf("notification cutoff = %s", store.deletedNotifBefore)
	}
}

func TestRetention_ZeroAgeDisables(t *testing.T) {
	store := newMemStore()
	r := NewRetention(store, RetentionConfig{}, zap.NewNop())
	sum, _ := r.Run(context.Background())
	if sum.Skipped != 2 || !store.deletedPostsBefore.IsZero() {
		t.Fatalf("summary = %+v", sum)
	}
}
