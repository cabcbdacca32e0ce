package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectKind names the table an approval applies to.
type SubjectKind string

const (
	SubjectPost SubjectKind = "post"
	SubjectPlan SubjectKind = "plan"
)

func (k SubjectKind) Valid() bool { return k == SubjectPost || k == SubjectPlan }

func (k SubjectKind) table() string {
	if k == SubjectPlan {
		return "plans"
	}
	return "posts"
}

// ApprovalTarget is the approval-relevant projection of a post or plan.
type ApprovalTarget struct {
	Kind           SubjectKind
	ID             uuid.UUID
	TeamID         uuid.UUID
	CreatorID      uuid.UUID
	Status         string
	Label          string
	ApproverID     *uuid.UUID
	ApprovalStatus string
}

// GetApprovalTarget loads the approval fields of a post or plan.
func (r *Repository) GetApprovalTarget(ctx context.Context, kind SubjectKind, id uuid.UUID) (*ApprovalTarget, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown subject kind %q", kind)
	}

	label := "COALESCE(title, LEFT(body, 60))"
	if kind == SubjectPlan {
		label = "name"
	}

	t := ApprovalTarget{Kind: kind}
	err := r.db.Pool().QueryRow(ctx, `
		SELECT id, team_id, creator_id, status, `+label+`, approver_id, approval_status
		FROM `+kind.table()+` WHERE id = $1
	`, id).Scan(&t.ID, &t.TeamID, &t.CreatorID, &t.Status, &t.Label, &t.ApproverID, &t.ApprovalStatus)
	if isNoRows(err) {
		return nil, notFound("get approval target", string(kind), id)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	return &t, nil
}

// AssignApprover sets the approver and resets the sub-state to pending.
// Terminal subjects (posted, published) are not reassigned.
func (r *Repository) AssignApprover(ctx context.Context, kind SubjectKind, id, approverID uuid.UUID) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown subject kind %q", kind)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE `+kind.table()+`
		SET approver_id = $2, approval_status = 'pending', approval_notes = NULL, approved_at = NULL
		WHERE id = $1 AND status = 'draft'
	`, id, approverID)
	if err != nil {
		return false, fmt.Errorf("assign approver: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

// RecordDecision writes approved/rejected only when the caller is still the
// assigned approver and the decision is still pending.
func (r *Repository) RecordDecision(ctx context.Context, kind SubjectKind, id, approverID uuid.UUID, status string, notes *string, at time.Time) (bool, error) {
	if !kind.Valid() {
		return false, fmt.Errorf("unknown subject kind %q", kind)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE `+kind.table()+`
		SET approval_status = $3, approval_notes = $4, approved_at = $5
		WHERE id = $1 AND approver_id = $2 AND approval_status = 'pending'
	`, id, approverID, status, notes, at)
	if err != nil {
		return false, fmt.Errorf("record decision: %w", err)
	}
	return result.RowsAffected() == 1, nil
}
