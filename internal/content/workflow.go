package content

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/message"
	"github.com/lalithlochan/postflow/internal/notify"
	"github.com/lalithlochan/postflow/internal/quota"
)

// Store is the persistence the workflow needs. *db.Repository implements it.
type Store interface {
	GetApprovalTarget(ctx context.Context, kind db.SubjectKind, id uuid.UUID) (*db.ApprovalTarget, error)
	AssignApprover(ctx context.Context, kind db.SubjectKind, id, approverID uuid.UUID) (bool, error)
	RecordDecision(ctx context.Context, kind db.SubjectKind, id, approverID uuid.UUID, status string, notes *string, at time.Time) (bool, error)
	IsActiveMember(ctx context.Context, teamID, userID uuid.UUID) (bool, error)
	GetUser(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*db.Plan, error)
	GetAccountsByIDs(ctx context.Context, ids []uuid.UUID) ([]*db.ChannelAccount, error)
	PublishPlan(ctx context.Context, plan *db.Plan, creatorID uuid.UUID, posts []db.NewPost, at time.Time) ([]uuid.UUID, error)
}

// Notifier fans an event out to a user's channels.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev notify.Event) ([]notify.Delivery, error)
}

// QuotaGate reports usage against the user's tier.
type QuotaGate interface {
	Usage(ctx context.Context, userID uuid.UUID, action quota.Action) (quota.Report, error)
}

// Subject addresses a post or plan.
type Subject struct {
	Kind db.SubjectKind
	ID   uuid.UUID
}

// approvalChannels are offered for approval traffic, gated by opt-ins.
var approvalChannels = []notify.Channel{
	notify.ChannelInApp,
	notify.ChannelEmail,
	notify.ChannelTelegram,
	notify.ChannelPush,
}

// Workflow performs the guarded approval and plan publish transitions.
type Workflow struct {
	store    Store
	notifier Notifier
	quota    QuotaGate
	links    message.Links
	now      func() time.Time
	logger   *zap.Logger
}

// NewWorkflow creates a workflow
func NewWorkflow(store Store, notifier Notifier, gate QuotaGate, links message.Links, logger *zap.Logger) *Workflow {
	return &Workflow{
		store:    store,
		notifier: notifier,
		quota:    gate,
		links:    links,
		now:      time.Now,
		logger:   logger,
	}
}

func (w *Workflow) requireMember(ctx context.Context, op string, teamID, userID uuid.UUID, kind apperr.Kind, who string) error {
	ok, err := w.store.IsActiveMember(ctx, teamID, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return apperr.New(kind, op, who+" is not an active member of the team")
	}
	return nil
}

// AssignApprover makes approverID the approver of the subject and asks
// them for a decision. The actor and the approver must both be active
// members of the subject's team.
func (w *Workflow) AssignApprover(ctx context.Context, subj Subject, approverID, actorID uuid.UUID) error {
	const op = "assign approver"

	target, err := w.store.GetApprovalTarget(ctx, subj.Kind, subj.ID)
	if err != nil {
		return err
	}
	if err := w.requireMember(ctx, op, target.TeamID, actorID, apperr.KindAuthorization, "actor"); err != nil {
		return err
	}
	if err := w.requireMember(ctx, op, target.TeamID, approverID, apperr.KindValidation, "approver"); err != nil {
		return err
	}
	if !ApprovalStatus(target.ApprovalStatus).CanTransition(ApprovalPending) {
		return apperr.New(apperr.KindConflict, op, "approval cannot be requested from state "+target.ApprovalStatus)
	}

	ok, err := w.store.AssignApprover(ctx, subj.Kind, subj.ID, approverID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return apperr.New(apperr.KindConflict, op, fmt.Sprintf("%s is no longer a draft", subj.Kind))
	}

	w.logger.Info("approver assigned",
		zap.String("kind", string(subj.Kind)),
		zap.String("id", subj.ID.String()),
		zap.String("approver_id", approverID.String()),
		zap.String("actor_id", actorID.String()),
	)

	w.notifyQuietly(ctx, approverID, notify.Event{
		Kind:     "approval.requested",
		Message:  message.ApprovalRequest(target, w.displayName(ctx, actorID), w.links),
		Channels: approvalChannels,
	})
	return nil
}

// Decide records the assigned approver's verdict and tells the creator.
// Anyone other than the assigned approver is refused and the approval
// state is left unchanged.
func (w *Workflow) Decide(ctx context.Context, subj Subject, decision Decision, notes string, actorID uuid.UUID) error {
	const op = "decide"

	status, ok := decision.Status()
	if !ok {
		return apperr.New(apperr.KindValidation, op, fmt.Sprintf("unknown decision %q", decision))
	}

	target, err := w.store.GetApprovalTarget(ctx, subj.Kind, subj.ID)
	if err != nil {
		return err
	}
	if target.ApproverID == nil || *target.ApproverID != actorID {
		return apperr.New(apperr.KindAuthorization, op, "only the assigned approver can decide")
	}
	if !ApprovalStatus(target.ApprovalStatus).CanTransition(status) {
		return apperr.New(apperr.KindValidation, op, "no pending approval to decide")
	}

	var notesPtr *string
	if n := strings.TrimSpace(notes); n != "" {
		notesPtr = &n
	}

	updated, err := w.store.RecordDecision(ctx, subj.Kind, subj.ID, actorID, string(status), notesPtr, w.now())
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !updated {
		return apperr.New(apperr.KindConflict, op, "approval was changed concurrently")
	}

	w.logger.Info("approval decided",
		zap.String("kind", string(subj.Kind)),
		zap.String("id", subj.ID.String()),
		zap.String("status", string(status)),
		zap.String("approver_id", actorID.String()),
	)

	w.notifyQuietly(ctx, target.CreatorID, notify.Event{
		Kind:     "approval.decided",
		Message:  message.ApprovalResult(target, string(status), notes, w.displayName(ctx, actorID), w.links),
		Channels: approvalChannels,
	})
	return nil
}

// PublishPlan publishes a draft plan and creates its posts. Every check,
// including channel account ownership and status, runs before the single
// transaction that writes the plan and all posts.
func (w *Workflow) PublishPlan(ctx context.Context, planID uuid.UUID, posts []db.NewPost, actorID uuid.UUID) ([]uuid.UUID, error) {
	const op = "publish plan"

	plan, err := w.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := w.requireMember(ctx, op, plan.TeamID, actorID, apperr.KindAuthorization, "actor"); err != nil {
		return nil, err
	}
	if !PlanStatus(plan.Status).CanTransition(PlanPublished) {
		return nil, apperr.New(apperr.KindConflict, op, "plan already published")
	}
	if !ApprovalStatus(plan.ApprovalStatus).Publishable() {
		return nil, apperr.New(apperr.KindValidation, op, "plan approval is "+plan.ApprovalStatus)
	}
	if err := validatePosts(op, posts); err != nil {
		return nil, err
	}
	if err := w.checkPostQuota(ctx, actorID, len(posts)); err != nil {
		return nil, err
	}
	if err := w.validateAccounts(ctx, op, plan.TeamID, posts); err != nil {
		return nil, err
	}

	ids, err := w.store.PublishPlan(ctx, plan, actorID, posts, w.now())
	if err != nil {
		return nil, err
	}

	w.logger.Info("plan publish committed",
		zap.String("plan_id", planID.String()),
		zap.String("actor_id", actorID.String()),
		zap.Int("posts", len(ids)),
	)
	return ids, nil
}

func validatePosts(op string, posts []db.NewPost) error {
	for i, p := range posts {
		if strings.TrimSpace(p.Body) == "" {
			return apperr.New(apperr.KindValidation, op, fmt.Sprintf("post %d has an empty body", i))
		}
		if p.ScheduledAt.IsZero() {
			return apperr.New(apperr.KindValidation, op, fmt.Sprintf("post %d has no scheduled time", i))
		}
		if len(p.ChannelAccountIDs) == 0 {
			return apperr.New(apperr.KindValidation, op, fmt.Sprintf("post %d targets no channel account", i))
		}
	}
	return nil
}

// checkPostQuota admits the whole batch or none of it.
func (w *Workflow) checkPostQuota(ctx context.Context, userID uuid.UUID, n int) error {
	if n == 0 {
		return nil
	}
	rep, err := w.quota.Usage(ctx, userID, quota.ActionPost)
	if err != nil {
		return fmt.Errorf("check post quota: %w", err)
	}
	if rep.Limit != quota.Unlimited && rep.Used+n > rep.Limit {
		return &quota.LimitExceededError{Action: quota.ActionPost, Limit: rep.Limit, Tier: rep.Tier, Used: rep.Used}
	}
	return nil
}

func (w *Workflow) validateAccounts(ctx context.Context, op string, teamID uuid.UUID, posts []db.NewPost) error {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, p := range posts {
		for _, id := range p.ChannelAccountIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	accounts, err := w.store.GetAccountsByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	byID := make(map[uuid.UUID]*db.ChannelAccount, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}

	for _, id := range ids {
		a, ok := byID[id]
		switch {
		case !ok || a.TeamID != teamID:
			return apperr.New(apperr.KindValidation, op, fmt.Sprintf("channel account %s does not belong to the team", id))
		case a.Status != db.AccountStatusActive:
			return apperr.New(apperr.KindValidation, op, fmt.Sprintf("channel account %s is not active", id))
		}
	}
	return nil
}

// notifyQuietly never fails the transition that triggered it.
func (w *Workflow) notifyQuietly(ctx context.Context, userID uuid.UUID, ev notify.Event) {
	if _, err := w.notifier.Notify(ctx, userID, ev); err != nil {
		w.logger.Warn("notification fan-out failed",
			zap.String("event", ev.Kind),
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

func (w *Workflow) displayName(ctx context.Context, userID uuid.UUID) string {
	u, err := w.store.GetUser(ctx, userID)
	if err != nil || u.Name == "" {
		return "A teammate"
	}
	return u.Name
}
