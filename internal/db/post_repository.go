package db

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const postColumns = `
	id, team_id, creator_id, plan_id, title, body, channel_account_ids,
	scheduled_at, status, send_reminder, reminder_sent,
	approver_id, approval_status, approval_notes, approved_at,
	published_at, publish_error, created_at, updated_at
`

func scanPost(row pgx.Row) (*Post, error) {
	var p Post
	err := row.Scan(
		&p.ID,
		&p.TeamID,
		&p.CreatorID,
		&p.PlanID,
		&p.Title,
		&p.Body,
		&p.ChannelAccountIDs,
		&p.ScheduledAt,
		&p.Status,
		&p.SendReminder,
		&p.ReminderSent,
		&p.ApproverID,
		&p.ApprovalStatus,
		&p.ApprovalNotes,
		&p.ApprovedAt,
		&p.PublishedAt,
		&p.PublishError,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPosts(rows pgx.Rows) ([]*Post, error) {
	defer rows.Close()

	var posts []*Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return posts, nil
}

// GetPost retrieves a post by ID
func (r *Repository) GetPost(ctx context.Context, id uuid.UUID) (*Post, error) {
	p, err := scanPost(r.db.Pool().QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, notFound("get post", "post", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	return p, nil
}

// ListDuePosts returns unpublished posts whose trigger time has passed and
// which no live publish claim holds. Posted rows never match.
func (r *Repository) ListDuePosts(ctx context.Context, q DueQuery) ([]*Post, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE status = 'draft'
		  AND scheduled_at <= $1
		  AND (publish_claim IS NULL OR publish_claimed_at < $2)
		  AND ($3::boolean = FALSE OR approval_status IN ('', 'approved'))
		ORDER BY scheduled_at ASC
		LIMIT $4
	`, q.Now, q.StaleBefore(), q.RequireApproval, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	return collectPosts(rows)
}

// ClaimPostForPublish takes an exclusive publish claim on a due draft.
// Returns false when another run holds a live claim or the post is posted.
func (r *Repository) ClaimPostForPublish(ctx context.Context, id, claim uuid.UUID, now, staleBefore time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE posts
		SET publish_claim = $2, publish_claimed_at = $3, updated_at = $3
		WHERE id = $1
		  AND status = 'draft'
		  AND (publish_claim IS NULL OR publish_claimed_at < $4)
	`, id, claim, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim post: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// MarkPostPublished moves a claimed draft to posted.
func (r *Repository) MarkPostPublished(ctx context.Context, id, claim uuid.UUID, at time.Time) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE posts
		SET status = 'posted',
		    published_at = $3,
		    publish_claim = NULL,
		    publish_claimed_at = NULL,
		    publish_error = NULL,
		    updated_at = $3
		WHERE id = $1 AND publish_claim = $2 AND status = 'draft'
	`, id, claim, at)
	if err != nil {
		return false, fmt.Errorf("mark post published: %w", err)
	}

	if result.RowsAffected() == 0 {
		r.logger.Warn("publish claim lost before status write",
			zap.String("post_id", id.String()),
			zap.String("claim", claim.String()),
		)
		return false, nil
	}
	return true, nil
}

// ReleasePublishClaim drops a claim after a failed attempt, recording why.
// The post stays a draft and is selected again on the next scan.
func (r *Repository) ReleasePublishClaim(ctx context.Context, id, claim uuid.UUID, reason string) error {
	_, err := r.db.Pool().Exec(ctx, `
		UPDATE posts
		SET publish_claim = NULL,
		    publish_claimed_at = NULL,
		    publish_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND publish_claim = $2
	`, id, claim, truncate(reason, 500))
	if err != nil {
		return fmt.Errorf("release publish claim: %w", err)
	}
	return nil
}

// ListReminderCandidates returns drafts entering the reminder window that
// asked for a reminder and have not had one.
func (r *Repository) ListReminderCandidates(ctx context.Context, q ReminderQuery) ([]*Post, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+postColumns+`
		FROM posts
		WHERE status = 'draft'
		  AND send_reminder
		  AND NOT reminder_sent
		  AND scheduled_at > $1
		  AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
		LIMIT $3
	`, q.From, q.To, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query reminder candidates: %w", err)
	}
	return collectPosts(rows)
}

// ClaimReminder sets reminder_sent false→true. The flag is never reset.
func (r *Repository) ClaimReminder(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE posts
		SET reminder_sent = TRUE, updated_at = NOW()
		WHERE id = $1 AND send_reminder AND reminder_sent = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim reminder: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// DeletePostedBefore is the retention sweep for published posts.
func (r *Repository) DeletePostedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM posts WHERE status = 'posted' AND published_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete posted posts: %w", err)
	}
	return result.RowsAffected(), nil
}

// truncate caps s at n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
