package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/postflow/internal/apperr"
	"github.com/lalithlochan/postflow/internal/circuitbreaker"
	"github.com/lalithlochan/postflow/internal/content"
	"github.com/lalithlochan/postflow/internal/db"
	"github.com/lalithlochan/postflow/internal/quota"
	"github.com/lalithlochan/postflow/internal/redis"
	"github.com/lalithlochan/postflow/internal/scanner"
	"github.com/lalithlochan/postflow/internal/scheduler"
)

// Approvals is the guarded content workflow.
type Approvals interface {
	AssignApprover(ctx context.Context, subj content.Subject, approverID, actorID uuid.UUID) error
	Decide(ctx context.Context, subj content.Subject, decision content.Decision, notes string, actorID uuid.UUID) error
	PublishPlan(ctx context.Context, planID uuid.UUID, posts []db.NewPost, actorID uuid.UUID) ([]uuid.UUID, error)
}

// QuotaReporter reports usage against tier limits.
type QuotaReporter interface {
	Usage(ctx context.Context, userID uuid.UUID, action quota.Action) (quota.Report, error)
}

// NotificationRepository defines the in-app notification operations.
type NotificationRepository interface {
	ListNotifications(ctx context.Context, userID uuid.UUID, unreadOnly bool, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID uuid.UUID, at time.Time) error
}

// PreferenceStore reads and writes per-user channel preferences.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*db.UserPreference, error)
	UpsertPreference(ctx context.Context, p *db.UserPreference) error
}

// Scanners exposes the scheduler to operators.
type Scanners interface {
	Status() []scheduler.Status
	RunNow(ctx context.Context, name string) (scanner.Summary, error)
}

// Breakers exposes the channel circuit breakers to operators.
type Breakers interface {
	Stats() []circuitbreaker.Stats
	Reset(name string) error
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Deps are the collaborators behind the API.
type Deps struct {
	Approvals     Approvals
	Quota         QuotaReporter
	Notifications NotificationRepository
	Preferences   PreferenceStore
	Scanners      Scanners
	Breakers      Breakers

	// Operators may use the scanner and channel routes.
	Operators []uuid.UUID
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger *zap.Logger
	deps   Deps
	now    func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, deps Deps) *Handler {
	return &Handler{
		logger: logger,
		deps:   deps,
		now:    time.Now,
	}
}

// Routes mounts the /v1 endpoints. Every route needs an actor; scanner and
// channel routes need an operator.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(RequireActor)

		r.Post("/posts/{id}/approver", h.AssignApprover(db.SubjectPost))
		r.Post("/posts/{id}/decision", h.Decide(db.SubjectPost))
		r.Post("/plans/{id}/approver", h.AssignApprover(db.SubjectPlan))
		r.Post("/plans/{id}/decision", h.Decide(db.SubjectPlan))
		r.Post("/plans/{id}/publish", h.PublishPlan)

		r.Get("/quota/{action}", h.GetQuota)

		r.Get("/notifications", h.ListNotifications)
		r.Post("/notifications/{id}/read", h.MarkNotificationRead)

		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.UpdatePreferences)

		r.Group(func(r chi.Router) {
			r.Use(RequireOperator(h.deps.Operators))

			r.Get("/scanners", h.ListScanners)
			r.Post("/scanners/{name}/run", h.RunScanner)

			r.Get("/channels", h.ListChannels)
			r.Post("/channels/{name}/reset", h.ResetChannel)
		})
	})
}

type scannerResult struct {
	ID      string `json:"id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SummaryResponse is one scanner run.
type SummaryResponse struct {
	Scanner    string          `json:"scanner"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Candidates int             `json:"candidates"`
	Succeeded  int             `json:"succeeded"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	Results    []scannerResult `json:"results"`
}

func newSummaryResponse(s scanner.Summary) SummaryResponse {
	resp := SummaryResponse{
		Scanner:    s.Scanner,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Candidates: s.Candidates,
		Succeeded:  s.Succeeded,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Results:    make([]scannerResult, 0, len(s.Results)),
	}
	for _, r := range s.Results {
		item := scannerResult{ID: r.ID, Outcome: string(r.Outcome), Reason: r.Reason}
		if r.Err != nil {
			item.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, item)
	}
	return resp
}

// ListScanners handles GET /v1/scanners
func (h *Handler) ListScanners(w http.ResponseWriter, r *http.Request) {
	statuses := h.deps.Scanners.Status()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  statuses,
		"count": len(statuses),
	})
}

// RunScanner handles POST /v1/scanners/{name}/run. The run is synchronous
// and bounded by the scheduler's run timeout.
func (h *Handler) RunScanner(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	// The run outlives a client disconnect so claims are not cut mid-item.
	sum, err := h.deps.Scanners.RunNow(context.WithoutCancel(r.Context()), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		h.writeError(w, http.StatusNotFound, "not_found", "Unknown scanner", "no scanner named "+name)
		return
	case errors.Is(err, scheduler.ErrAlreadyRunning), errors.Is(err, redis.ErrLeaseHeld):
		h.writeError(w, http.StatusConflict, "conflict", "Scanner busy", err.Error())
		return
	case err != nil:
		h.logger.Error("manual scanner run failed",
			zap.Error(err),
			zap.String("scanner", name),
		)
		h.writeError(w, http.StatusInternalServerError, "internal", "Scanner run failed", "")
		return
	}

	h.logger.Info("manual scanner run completed",
		zap.String("scanner", name),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
	)
	h.writeJSON(w, http.StatusOK, newSummaryResponse(sum))
}

type assignRequest struct {
	ApproverID string `json:"approver_id"`
}

// AssignApprover handles POST /v1/{posts|plans}/{id}/approver
func (h *Handler) AssignApprover(kind db.SubjectKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subj, ok := h.subject(w, r, kind)
		if !ok {
			return
		}

		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
		approverID, err := uuid.Parse(req.ApproverID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid approver_id", "approver_id must be a valid UUID")
			return
		}

		actor := ActorFrom(r.Context())
		if err := h.deps.Approvals.AssignApprover(r.Context(), subj, approverID, actor); err != nil {
			h.writeAppError(w, "assign approver", err)
			return
		}

		h.logger.Info("approver assigned",
			zap.String("kind", string(kind)),
			zap.String("id", subj.ID.String()),
			zap.String("approver_id", approverID.String()),
			zap.String("actor_id", actor.String()),
		)
		h.writeJSON(w, http.StatusOK, map[string]string{
			"id":              subj.ID.String(),
			"approver_id":     approverID.String(),
			"approval_status": db.ApprovalPending,
		})
	}
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

// Decide handles POST /v1/{posts|plans}/{id}/decision
func (h *Handler) Decide(kind db.SubjectKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subj, ok := h.subject(w, r, kind)
		if !ok {
			return
		}

		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}

		decision := content.Decision(req.Decision)
		status, valid := decision.Status()
		if !valid {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid decision",
				"decision must be one of: approve, reject")
			return
		}

		actor := ActorFrom(r.Context())
		if err := h.deps.Approvals.Decide(r.Context(), subj, decision, req.Notes, actor); err != nil {
			h.writeAppError(w, "decide", err)
			return
		}

		h.writeJSON(w, http.StatusOK, map[string]string{
			"id":              subj.ID.String(),
			"approval_status": string(status),
		})
	}
}

type publishRequest struct {
	Posts []db.NewPost `json:"posts"`
}

// PublishResponse lists the posts created by a plan publish.
type PublishResponse struct {
	PlanID  string   `json:"plan_id"`
	PostIDs []string `json:"post_ids"`
}

// PublishPlan handles POST /v1/plans/{id}/publish
func (h *Handler) PublishPlan(w http.ResponseWriter, r *http.Request) {
	subj, ok := h.subject(w, r, db.SubjectPlan)
	if !ok {
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	actor := ActorFrom(r.Context())
	ids, err := h.deps.Approvals.PublishPlan(r.Context(), subj.ID, req.Posts, actor)
	if err != nil {
		h.writeAppError(w, "publish plan", err)
		return
	}

	resp := PublishResponse{PlanID: subj.ID.String(), PostIDs: make([]string, len(ids))}
	for i, id := range ids {
		resp.PostIDs[i] = id.String()
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// GetQuota handles GET /v1/quota/{action}
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	action, err := quota.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		h.writeAppError(w, "get quota", err)
		return
	}

	report, err := h.deps.Quota.Usage(r.Context(), ActorFrom(r.Context()), action)
	if err != nil {
		h.writeAppError(w, "get quota", err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// ListNotifications handles GET /v1/notifications?unread=true&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	actor := ActorFrom(r.Context())

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))

	notifications, err := h.deps.Notifications.ListNotifications(r.Context(), actor, unread, limit, offset)
	if err != nil {
		h.writeAppError(w, "list notifications", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// MarkNotificationRead handles POST /v1/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.deps.Notifications.MarkNotificationRead(r.Context(), id, ActorFrom(r.Context()), h.now()); err != nil {
		h.writeAppError(w, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListChannels handles GET /v1/channels
func (h *Handler) ListChannels(w http.ResponseWriter, r *http.Request) {
	stats := h.deps.Breakers.Stats()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ResetChannel handles POST /v1/channels/{name}/reset
func (h *Handler) ResetChannel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.deps.Breakers.Reset(name); err != nil {
		if errors.Is(err, circuitbreaker.ErrUnknownBreaker) {
			h.writeError(w, http.StatusNotFound, "not_found", "Unknown channel", "no circuit breaker for "+name)
			return
		}
		h.logger.Error("channel reset failed", zap.String("channel", name), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal", "Channel reset failed", "")
		return
	}

	h.logger.Info("channel breaker reset",
		zap.String("channel", name),
		zap.String("actor_id", ActorFrom(r.Context()).String()),
	)
	w.WriteHeader(http.StatusNoContent)
}

// preferenceRequest holds the user-editable preference fields. Drip
// tracking is owned by the scanners.
type preferenceRequest struct {
	EmailEnabled    bool     `json:"email_enabled"`
	TelegramEnabled bool     `json:"telegram_enabled"`
	TelegramChatID  *int64   `json:"telegram_chat_id,omitempty"`
	SMSEnabled      bool     `json:"sms_enabled"`
	PhoneNumber     *string  `json:"phone_number,omitempty"`
	PushEnabled     bool     `json:"push_enabled"`
	PushEndpoint    *string  `json:"push_endpoint,omitempty"`
	InAppEnabled    bool     `json:"in_app_enabled"`
	Topics          []string `json:"topics"`
	PostingCadence  string   `json:"posting_cadence"`
}

func (p preferenceRequest) validate() error {
	if p.TelegramEnabled && (p.TelegramChatID == nil || *p.TelegramChatID == 0) {
		return apperr.New(apperr.KindValidation, "preferences", "telegram_enabled requires telegram_chat_id")
	}
	if p.SMSEnabled && (p.PhoneNumber == nil || *p.PhoneNumber == "") {
		return apperr.New(apperr.KindValidation, "preferences", "sms_enabled requires phone_number")
	}
	if p.PushEnabled && (p.PushEndpoint == nil || *p.PushEndpoint == "") {
		return apperr.New(apperr.KindValidation, "preferences", "push_enabled requires push_endpoint")
	}
	return nil
}

// GetPreferences handles GET /v1/preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	pref, err := h.deps.Preferences.GetPreference(r.Context(), ActorFrom(r.Context()))
	if err != nil {
		h.writeAppError(w, "get preferences", err)
		return
	}
	h.writeJSON(w, http.StatusOK, pref)
}

// UpdatePreferences handles PUT /v1/preferences
func (h *Handler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req preferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		h.writeAppError(w, "update preferences", err)
		return
	}

	actor := ActorFrom(r.Context())
	pref := &db.UserPreference{
		UserID:          actor,
		EmailEnabled:    req.EmailEnabled,
		TelegramEnabled: req.TelegramEnabled,
		TelegramChatID:  req.TelegramChatID,
		SMSEnabled:      req.SMSEnabled,
		PhoneNumber:     req.PhoneNumber,
		PushEnabled:     req.PushEnabled,
		PushEndpoint:    req.PushEndpoint,
		InAppEnabled:    req.InAppEnabled,
		Topics:          req.Topics,
		PostingCadence:  req.PostingCadence,
	}
	if err := h.deps.Preferences.UpsertPreference(r.Context(), pref); err != nil {
		h.writeAppError(w, "update preferences", err)
		return
	}

	stored, err := h.deps.Preferences.GetPreference(r.Context(), actor)
	if err != nil {
		h.writeAppError(w, "get preferences", err)
		return
	}
	h.logger.Info("preferences updated", zap.String("user_id", actor.String()))
	h.writeJSON(w, http.StatusOK, stored)
}

func (h *Handler) subject(w http.ResponseWriter, r *http.Request, kind db.SubjectKind) (content.Subject, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+string(kind)+" ID", "ID must be a valid UUID")
		return content.Subject{}, false
	}
	return content.Subject{Kind: kind, ID: id}, true
}

var kindTitles = map[apperr.Kind]string{
	apperr.KindValidation:    "Invalid request",
	apperr.KindAuthorization: "Forbidden",
	apperr.KindNotFound:      "Not found",
	apperr.KindConflict:      "Conflict",
	apperr.KindTransport:     "Upstream unavailable",
	apperr.KindQuotaExceeded: "Quota exceeded",
}

// writeAppError maps an error's kind onto a problem response. Internal
// errors are logged and not echoed to the client.
func (h *Handler) writeAppError(w http.ResponseWriter, op string, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	title, known := kindTitles[kind]
	if !known {
		h.logger.Error("request failed", zap.String("op", op), zap.Error(err))
		h.writeError(w, status, kind.String(), "Internal error", "")
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed upstream", zap.String("op", op), zap.Error(err))
	}
	h.writeError(w, status, kind.String(), title, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
