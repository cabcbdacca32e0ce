// Package content holds the post and plan lifecycle: legal status moves,
// the approval sub-state and the workflow operations that drive them.
package content

import "github.com/lalithlochan/postflow/internal/db"

// PostStatus is the publication state of a post.
type PostStatus string

const (
	PostDraft  PostStatus = db.PostStatusDraft
	PostPosted PostStatus = db.PostStatusPosted
)

// CanTransition reports whether a post may move from s to next.
// Posted is terminal.
func (s PostStatus) CanTransition(next PostStatus) bool {
	return s == PostDraft && next == PostPosted
}

// PlanStatus is the publication state of a plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = db.PlanStatusDraft
	PlanPublished PlanStatus = db.PlanStatusPublished
)

// CanTransition reports whether a plan may move from s to next.
// Published is terminal.
func (s PlanStatus) CanTransition(next PlanStatus) bool {
	return s == PlanDraft && next == PlanPublished
}

// ApprovalStatus is the approval sub-state shared by posts and plans.
// The zero value means no approval was requested.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = db.ApprovalNone
	ApprovalPending  ApprovalStatus = db.ApprovalPending
	ApprovalApproved ApprovalStatus = db.ApprovalApproved
	ApprovalRejected ApprovalStatus = db.ApprovalRejected
)

var approvalMoves = map[ApprovalStatus][]ApprovalStatus{
	ApprovalNone: {ApprovalPending},
	// Pending may be re-requested when the approver changes.
	ApprovalPending:  {ApprovalPending, ApprovalApproved, ApprovalRejected},
	ApprovalApproved: {ApprovalPending},
	ApprovalRejected: {ApprovalPending},
}

// CanTransition reports whether the approval sub-state may move to next.
func (s ApprovalStatus) CanTransition(next ApprovalStatus) bool {
	for _, to := range approvalMoves[s] {
		if to == next {
			return true
		}
	}
	return false
}

// Publishable reports whether the sub-state lets the item be published:
// either no approval was requested or it was approved.
func (s ApprovalStatus) Publishable() bool {
	return s == ApprovalNone || s == ApprovalApproved
}

// Decision is the approver's verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Status maps a decision onto the approval status it produces.
func (d Decision) Status() (ApprovalStatus, bool) {
	switch d {
	case DecisionApprove:
		return ApprovalApproved, true
	case DecisionReject:
		return ApprovalRejected, true
	}
	return "", false
}
