package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
)

// GetPlan retrieves a plan by ID
func (r *Repository) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, team_id, creator_id, name, start_date, end_date, status,
		       approver_id, approval_status, approval_notes, approved_at,
		       published_at, created_at
		FROM plans WHERE id = $1
	`, id).Scan(
		&p.ID,
		&p.TeamID,
		&p.CreatorID,
		&p.Name,
		&p.StartDate,
		&p.EndDate,
		&p.Status,
		&p.ApproverID,
		&p.ApprovalStatus,
		&p.ApprovalNotes,
		&p.ApprovedAt,
		&p.PublishedAt,
		&p.CreatedAt,
	)
	if isNoRows(err) {
		return nil, notFound("get plan", "plan", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query plan: %w", err)
	}
	return &p, nil
}

// PublishPlan flips the plan to published and creates its posts in one
// transaction. The status write is conditional on draft, and referenced
// accounts are re-checked under FOR SHARE so a concurrent deactivation
// cannot slip between validation and insert. Nothing is written on error.
func (r *Repository) PublishPlan(ctx context.Context, plan *Plan, creatorID uuid.UUID, posts []NewPost, at time.Time) ([]uuid.UUID, error) {
	const op = "publish plan"

	accountIDs := distinctAccountIDs(posts)
	ids := make([]uuid.UUID, 0, len(posts))

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		if len(accountIDs) > 0 {
			var valid int
			err := tx.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
					SELECT id FROM channel_accounts
					WHERE id = ANY($1) AND team_id = $2 AND status = 'active'
					FOR SHARE
				) a
			`, accountIDs, plan.TeamID).Scan(&valid)
			if err != nil {
				return fmt.Errorf("lock channel accounts: %w", err)
			}
			if valid != len(accountIDs) {
				return apperr.New(apperr.KindValidation, op, "channel account not active in team")
			}
		}

		result, err := tx.Exec(ctx, `
			UPDATE plans SET status = 'published', published_at = $2
			WHERE id = $1 AND status = 'draft'
		`, plan.ID, at)
		if err != nil {
			return fmt.Errorf("update plan status: %w", err)
		}
		if result.RowsAffected() == 0 {
			return apperr.New(apperr.KindConflict, op, "plan already published")
		}

		batch := &pgx.Batch{}
		for _, np := range posts {
			id := uuid.New()
			ids = append(ids, id)
			batch.Queue(`
				INSERT INTO posts (id, team_id, creator_id, plan_id, title, body,
				                   channel_account_ids, scheduled_at, status, send_reminder,
				                   created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'draft', $9, $10, $10)
			`, id, plan.TeamID, creatorID, plan.ID, np.Title, np.Body,
				np.ChannelAccountIDs, np.ScheduledAt, np.SendReminder, at)
		}

		br := tx.SendBatch(ctx, batch)
		for range posts {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert plan post: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		r.logger.Warn("plan publish rolled back",
			zap.String("plan_id", plan.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	r.logger.Info("plan published",
		zap.String("plan_id", plan.ID.String()),
		zap.Int("posts", len(ids)),
	)
	return ids, nil
}

func distinctAccountIDs(posts []NewPost) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	for _, p := range posts {
		for _, id := range p.ChannelAccountIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
