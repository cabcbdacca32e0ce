package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
)

// Repository handles database operations for the scheduling engine.
// Every write that guards a side effect is conditional and reports whether
// it changed a row; callers treat false as "already handled".
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func notFound(op, what string, id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, op, fmt.Sprintf("%s not found: %s", what, id))
}

// CreateNotification inserts an in-app notification record.
func (r *Repository) CreateNotification(ctx context.Context, n *Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}

	query := `
		INSERT INTO notifications (id, user_id, object_id, object_type, description)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.UserID,
		n.ObjectID,
		n.ObjectType,
		n.Description,
	).Scan(&n.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("user_id", n.UserID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// ListNotifications returns a user's notifications, newest first.
func (r *Repository) ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*Notification, error) {
	query := `
		SELECT id, user_id, object_id, object_type, description, is_read, created_at, read_at
		FROM notifications
		WHERE user_id = $1 AND ($2::boolean = FALSE OR is_read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.ObjectID, &n.ObjectType, &n.Description, &n.IsRead, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

// MarkNotificationRead flips is_read for the owner's notification.
// Marking an already-read notification is a no-op, not an error.
func (r *Repository) MarkNotificationRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications SET is_read = TRUE, read_at = $3
		WHERE id = $1 AND user_id = $2 AND is_read = FALSE
	`, id, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1 AND user_id = $2)`, id, userID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check notification: %w", err)
	}
	if !exists {
		return notFound("mark notification read", "notification", id)
	}
	return nil
}

// DeleteReadNotificationsBefore removes read notifications older than cutoff.
func (r *Repository) DeleteReadNotificationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `
		DELETE FROM notifications
		WHERE is_read AND read_at IS NOT NULL AND read_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete read notifications: %w", err)
	}
	return result.RowsAffected(), nil
}

// IsActiveMember reports whether the user is an active member of the team.
func (r *Repository) IsActiveMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.Pool().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM team_members
			WHERE team_id = $1 AND user_id = $2 AND status = 'active'
		)
	`, teamID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check team membership: %w", err)
	}
	return ok, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
