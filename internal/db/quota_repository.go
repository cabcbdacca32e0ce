package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActiveTier returns the tier of the user's newest active subscription.
// ok is false when the user has none.
func (r *Repository) ActiveTier(ctx context.Context, userID uuid.UUID) (tier string, ok bool, err error) {
	err = r.db.Pool().QueryRow(ctx, `
		SELECT tier FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID).Scan(&tier)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query subscription: %w", err)
	}
	return tier, true, nil
}

// CountTeams counts teams owned by the user, all time.
func (r *Repository) CountTeams(ctx context.Context, userID uuid.UUID) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM teams WHERE owner_id = $1`, userID)
}

// CountInvites counts invites sent by the user, all time.
func (r *Repository) CountInvites(ctx context.Context, userID uuid.UUID) (int, error) {
	return r.count(ctx, `SELECT COUNT(*) FROM team_invites WHERE inviter_id = $1`, userID)
}

// CountPostsCreated counts posts the user created in [from, to].
func (r *Repository) CountPostsCreated(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM posts
		WHERE creator_id = $1 AND created_at >= $2 AND created_at <= $3
	`, userID, from, to)
}

// CountPlansCreated counts plans the user created in [from, to].
func (r *Repository) CountPlansCreated(ctx context.Context, userID uuid.UUID, from, to time.Time) (int, error) {
	return r.count(ctx, `
		SELECT COUNT(*) FROM plans
		WHERE creator_id = $1 AND created_at >= $2 AND created_at <= $3
	`, userID, from, to)
}

func (r *Repository) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	if err := r.db.Pool().QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
