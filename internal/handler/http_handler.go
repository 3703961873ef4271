package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
)

// UserHeader carries the acting user's id or login.
const UserHeader = "X-User-ID"

// ApprovalAPI is the approval workflow as the HTTP layer uses it.
type ApprovalAPI interface {
	ActivateFirstStage(ctx context.Context, submissionID int64, actingUserID string) (*service.ActivationOutcome, error)
	ProcessAction(ctx context.Context, req service.ActionRequest) (*service.ActionOutcome, error)
	ResolveApprovers(ctx context.Context, stageID int64, submissionID *int64) (*service.ApproverSet, error)
	CheckDelegation(ctx context.Context, userID string, workflowID int64, submissionID *int64) (*service.DelegationCheck, error)
	RequestStageSignature(ctx context.Context, submissionID, stageID int64, requestedBy string) (*service.SignatureOutcome, error)
	GetHistory(ctx context.Context, submissionID int64) ([]*repository.HistoryEntry, error)
}

// InboxAPI computes inboxes.
type InboxAPI interface {
	GetInbox(ctx context.Context, userID string) ([]service.InboxItem, error)
	GetInboxDebugInfo(ctx context.Context, userID string) (*service.InboxDebugInfo, error)
}

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals ApprovalAPI
	inbox     InboxAPI
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals ApprovalAPI, inbox InboxAPI, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		inbox:     inbox,
		log:       log,
	}
}

// Routes registers the API under r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/submissions/{submissionID}", func(r chi.Router) {
			r.Post("/activate", h.ActivateSubmission)
			r.Post("/actions", h.ProcessAction)
			r.Get("/history", h.GetHistory)
			r.Post("/stages/{stageID}/signature", h.RequestSignature)
		})
		r.Get("/stages/{stageID}/approvers", h.GetApprovers)
		r.Get("/delegations/check", h.CheckDelegation)
		r.Get("/inbox", h.GetInbox)
		r.Get("/inbox/debug", h.GetInboxDebug)
	})
}

// ActivateSubmission submits a Draft into its workflow's first stage.
func (h *HTTPHandler) ActivateSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := h.pathID(w, r, "submissionID")
	if !ok {
		return
	}
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	out, err := h.approvals.ActivateFirstStage(r.Context(), submissionID, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type actionRequest struct {
	StageID int64  `json:"stage_id"`
	Action  string `json:"action"`
	Comment string `json:"comment"`
}

// ProcessAction applies approve, reject or return on the submission's stage.
func (h *HTTPHandler) ProcessAction(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := h.pathID(w, r, "submissionID")
	if !ok {
		return
	}
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.InvalidInput("body", "malformed JSON"))
		return
	}

	out, err := h.approvals.ProcessAction(r.Context(), service.ActionRequest{
		SubmissionID: submissionID,
		StageID:      req.StageID,
		Action:       service.ActionKind(req.Action),
		ActingUserID: user,
		Comment:      req.Comment,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

type historyEntry struct {
	ID               int64     `json:"id"`
	StageID          int64     `json:"stage_id"`
	Action           string    `json:"action"`
	ActionByUserID   string    `json:"action_by_user_id"`
	OnBehalfOfUserID *string   `json:"on_behalf_of_user_id,omitempty"`
	ActionAt         time.Time `json:"action_at"`
	Comment          string    `json:"comment,omitempty"`
}

// GetHistory returns the approval trail, newest first.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := h.pathID(w, r, "submissionID")
	if !ok {
		return
	}

	entries, err := h.approvals.GetHistory(r.Context(), submissionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]historyEntry, len(entries))
	for i, e := range entries {
		out[i] = historyEntry{
			ID:               e.ID,
			StageID:          e.StageID,
			Action:           string(e.Action),
			ActionByUserID:   e.ActionByUserID,
			OnBehalfOfUserID: e.OnBehalfOfUserID,
			ActionAt:         e.ActionAt,
			Comment:          e.Comment,
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"submission_id": submissionID,
		"history":       out,
	})
}

// RequestSignature opens envelopes for every approver of a stage.
func (h *HTTPHandler) RequestSignature(w http.ResponseWriter, r *http.Request) {
	submissionID, ok := h.pathID(w, r, "submissionID")
	if !ok {
		return
	}
	stageID, ok := h.pathID(w, r, "stageID")
	if !ok {
		return
	}
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	out, err := h.approvals.RequestStageSignature(r.Context(), submissionID, stageID, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetApprovers resolves a stage's approvers, optionally for one submission.
func (h *HTTPHandler) GetApprovers(w http.ResponseWriter, r *http.Request) {
	stageID, ok := h.pathID(w, r, "stageID")
	if !ok {
		return
	}
	submissionID, ok := h.optionalQueryID(w, r, "submission_id")
	if !ok {
		return
	}

	set, err := h.approvals.ResolveApprovers(r.Context(), stageID, submissionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, set)
}

// CheckDelegation reports the delegation that applies to a user.
func (h *HTTPHandler) CheckDelegation(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		h.writeError(w, r, errors.InvalidInput("user_id", "is required"))
		return
	}
	workflowID, ok := h.optionalQueryID(w, r, "workflow_id")
	if !ok {
		return
	}
	if workflowID == nil {
		h.writeError(w, r, errors.InvalidInput("workflow_id", "is required"))
		return
	}
	submissionID, ok := h.optionalQueryID(w, r, "submission_id")
	if !ok {
		return
	}

	out, err := h.approvals.CheckDelegation(r.Context(), userID, *workflowID, submissionID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetInbox returns the acting user's pending decisions.
func (h *HTTPHandler) GetInbox(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	items, err := h.inbox.GetInbox(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// GetInboxDebug explains how the acting user's inbox was computed.
func (h *HTTPHandler) GetInboxDebug(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}

	info, err := h.inbox.GetInboxDebugInfo(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		h.writeError(w, r, errors.InvalidInput(UserHeader, "header is required"))
		return "", false
	}
	return user, true
}

func (h *HTTPHandler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, errors.InvalidInput(param, "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *HTTPHandler) optionalQueryID(w http.ResponseWriter, r *http.Request, param string) (*int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(param))
	if raw == "" {
		return nil, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.writeError(w, r, errors.InvalidInput(param, "must be a positive integer"))
		return nil, false
	}
	return &id, true
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.writeJSON(w, status, errorResponse{
		Code:      string(errors.Code(err)),
		Message:   errors.Message(err),
		Retriable: errors.IsRetriable(err),
	})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response")
	}
}
