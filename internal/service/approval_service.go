package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/metrics"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// Stores bundles the read side the services depend on.
type Stores struct {
	Workflows   WorkflowStore
	Assignees   AssigneeStore
	Delegations DelegationStore
	Submissions SubmissionStore
	Series      SeriesStore
	History     HistoryStore
	Identity    IdentityProvider
}

// ApprovalService runs the approval workflow: activation, decisions and
// the read operations built on approver resolution.
type ApprovalService struct {
	stores      Stores
	ids         *UserIDNormalizer
	delegations *DelegationResolver
	resolver    *ApproverResolver
	signatures  *SignatureDispatcher
	numberer    Numberer
	transitions TransitionCommitter
	clock       clock.PassiveClock
	log         *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	stores Stores,
	ids *UserIDNormalizer,
	delegations *DelegationResolver,
	resolver *ApproverResolver,
	signatures *SignatureDispatcher,
	numberer Numberer,
	transitions TransitionCommitter,
	clk clock.PassiveClock,
	log *logger.Logger,
) *ApprovalService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &ApprovalService{
		stores:      stores,
		ids:         ids,
		delegations: delegations,
		resolver:    resolver,
		signatures:  signatures,
		numberer:    numberer,
		transitions: transitions,
		clock:       clk,
		log:         log,
	}
}

// ── Activation ────────────────────────────────────────────────────────────────

// ActivationOutcome describes a submission entering its first stage.
type ActivationOutcome struct {
	SubmissionID   int64    `json:"submission_id"`
	WorkflowID     int64    `json:"workflow_id"`
	StageID        int64    `json:"stage_id"`
	StageName      string   `json:"stage_name"`
	Status         string   `json:"status"`
	DocumentNumber string   `json:"document_number"`
	Approvers      []string `json:"approvers"`
	Version        int      `json:"version"`
}

// ActivateFirstStage submits a Draft document into the lowest-order active
// stage of its workflow.
func (s *ApprovalService) ActivateFirstStage(ctx context.Context, submissionID int64, actingUserID string) (*ActivationOutcome, error) {
	actingUser := s.ids.Normalize(ctx, actingUserID)
	if actingUser == "" {
		return nil, errors.InvalidInput("acting_user_id", "must not be empty")
	}

	sub, err := s.stores.Submissions.GetByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.Status != repository.StatusDraft {
		return nil, errors.InvalidState(fmt.Sprintf("submission %d is %s, only Draft submissions can be submitted", sub.ID, sub.Status))
	}

	wf, err := s.stores.Workflows.GetWorkflowForDocumentType(ctx, sub.DocumentTypeID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, errors.InvalidState(fmt.Sprintf("workflow %q is inactive", wf.Name))
	}

	series, err := s.stores.Series.GetSeries(ctx, sub.SeriesID)
	if err != nil {
		return nil, err
	}
	if !series.IsActive {
		return nil, errors.InvalidState(fmt.Sprintf("document series %s is inactive", series.Code))
	}

	stages, err := s.stores.Workflows.ListActiveStagesByWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	first := firstStage(stages)
	if first == nil {
		return nil, errors.InvalidState(fmt.Sprintf("workflow %q has no active stages", wf.Name))
	}

	if err := checkAmountGate(ctx, s.stores.Submissions, first, sub.ID); err != nil {
		return nil, err
	}
	set, err := s.resolver.ResolveForStage(ctx, first, &sub.ID)
	if err != nil {
		return nil, err
	}

	next := *sub
	if series.GenerateOn == repository.NumberOnSubmit && repository.IsProvisionalNumber(sub.DocumentNumber) {
		number, err := s.generateNumber(ctx, sub.ID, repository.NumberOnSubmit, actingUser)
		if err != nil {
			return nil, err
		}
		next.DocumentNumber = number
	}

	now := s.clock.Now()
	next.Status = repository.StatusSubmitted
	next.CurrentStageID = &first.ID
	next.SubmittedBy = actingUser
	next.SubmittedAt = &now

	events := []repository.OutboxEvent{
		newEvent(repository.EventFormSubmitted, sub.ID, first.ID, actingUser, nil),
		newEvent(repository.EventApprovalRequired, sub.ID, first.ID, actingUser, set.people),
	}
	if first.RequiresSignature {
		events = append(events, newEvent(repository.EventSignatureRequest, sub.ID, first.ID, actingUser, nil))
	}

	if err := s.transitions.Commit(ctx, &repository.Transition{
		Submission:      &next,
		ExpectedVersion: sub.Version,
		Events:          events,
	}); err != nil {
		return nil, err
	}

	s.log.Info().
		Int64("submission_id", sub.ID).
		Int64("workflow_id", wf.ID).
		Int64("stage_id", first.ID).
		Int("approvers", len(set.people)).
		Msg("Submission activated")

	return &ActivationOutcome{
		SubmissionID:   sub.ID,
		WorkflowID:     wf.ID,
		StageID:        first.ID,
		StageName:      first.Name,
		Status:         string(next.Status),
		DocumentNumber: next.DocumentNumber,
		Approvers:      set.UserIDs,
		Version:        next.Version,
	}, nil
}

// ── Decisions ─────────────────────────────────────────────────────────────────

// ActionRequest is a decision on the stage a submission sits at.
type ActionRequest struct {
	SubmissionID int64
	StageID      int64
	Action       ActionKind
	ActingUserID string
	Comment      string
}

// ActionOutcome describes a committed decision.
type ActionOutcome struct {
	SubmissionID   int64                    `json:"submission_id"`
	ActedStageID   int64                    `json:"acted_stage_id"`
	Action         repository.HistoryAction `json:"action"`
	Status         string                   `json:"status"`
	CurrentStageID *int64                   `json:"current_stage_id,omitempty"`
	DocumentNumber string                   `json:"document_number"`
	EffectiveActor string                   `json:"effective_actor"`
	OnBehalfOf     string                   `json:"on_behalf_of,omitempty"`
	HistoryID      int64                    `json:"history_id"`
	Version        int                      `json:"version"`
}

// actionLabelUnknown is the metric label for requests whose action does not parse.
const actionLabelUnknown = "unknown"

// ProcessAction applies an approve, reject or return decision.
//
// The submission update, its history entry and the post-commit events are
// committed together. Triggers and signature requests run afterwards from
// the outbox and cannot undo the decision.
func (s *ApprovalService) ProcessAction(ctx context.Context, req ActionRequest) (out *ActionOutcome, err error) {
	label := actionLabelUnknown
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(errors.Code(err))
		}
		metrics.ActionsProcessed.WithLabelValues(label, outcome).Inc()
	}()

	action, err := ParseActionKind(string(req.Action))
	if err != nil {
		return nil, err
	}
	req.Action = action
	label = string(action)

	if req.StageID <= 0 {
		return nil, errors.InvalidInput("stage_id", "must be positive")
	}

	sub, err := s.stores.Submissions.GetByID(ctx, req.SubmissionID)
	if err != nil {
		return nil, err
	}
	stage, err := s.stores.Workflows.GetStage(ctx, req.StageID)
	if err != nil {
		return nil, err
	}

	set, err := s.resolver.ResolveForStage(ctx, stage, &sub.ID)
	if err != nil {
		return nil, err
	}

	a, err := s.resolver.loadActor(ctx, req.ActingUserID)
	if err != nil {
		return nil, err
	}
	auth, err := s.resolver.authorize(ctx, set, a, &sub.ID)
	if err != nil {
		return nil, err
	}
	if !auth.Allowed {
		s.log.Warn().
			Int64("submission_id", sub.ID).
			Int64("stage_id", stage.ID).
			Str("user_id", a.ID).
			Msg("action refused, user is not an approver of the stage")
		return nil, errors.Unauthorized("user is not authorized to act on this stage")
	}

	if sub.Status != repository.StatusSubmitted {
		return nil, errors.InvalidState(fmt.Sprintf("submission %d is %s, not Submitted", sub.ID, sub.Status))
	}
	wf, err := s.stores.Workflows.GetWorkflowForDocumentType(ctx, sub.DocumentTypeID)
	if err != nil {
		return nil, err
	}
	if wf.ID != stage.WorkflowID {
		return nil, errors.InvalidState(fmt.Sprintf("stage %q does not belong to the workflow of submission %d", stage.Name, sub.ID))
	}
	stages, err := s.stores.Workflows.ListActiveStagesByWorkflow(ctx, stage.WorkflowID)
	if err != nil {
		return nil, err
	}
	current, err := s.currentStage(ctx, sub, stages)
	if err != nil {
		return nil, err
	}
	if current == nil || current.ID != stage.ID {
		return nil, errors.InvalidState(fmt.Sprintf("submission %d is not at stage %q", sub.ID, stage.Name))
	}

	step, err := NextTransition(stages, stage, req.Action)
	if err != nil {
		return nil, err
	}

	next := *sub
	next.Status = step.Status
	next.CurrentStageID = nil
	if step.Stage != nil {
		next.CurrentStageID = &step.Stage.ID
	}

	var nextApprovers []string
	if step.Activated {
		if req.Action == ActionApprove {
			if err := checkAmountGate(ctx, s.stores.Submissions, step.Stage, sub.ID); err != nil {
				return nil, err
			}
		}
		nextSet, err := s.resolver.ResolveForStage(ctx, step.Stage, &sub.ID)
		if err != nil {
			return nil, err
		}
		nextApprovers = nextSet.people
	}

	if step.Status == repository.StatusApproved {
		series, err := s.stores.Series.GetSeries(ctx, sub.SeriesID)
		if err != nil {
			return nil, err
		}
		if series.GenerateOn == repository.NumberOnApproval && repository.IsProvisionalNumber(sub.DocumentNumber) {
			number, err := s.generateNumber(ctx, sub.ID, repository.NumberOnApproval, a.ID)
			if err != nil {
				return nil, err
			}
			next.DocumentNumber = number
		}
	}

	entry := &repository.HistoryEntry{
		SubmissionID:   sub.ID,
		StageID:        stage.ID,
		Action:         historyAction(req.Action, auth.Delegated),
		ActionByUserID: a.ID,
		Comment:        req.Comment,
	}
	if auth.Delegated {
		onBehalf := auth.OnBehalfOf
		entry.OnBehalfOfUserID = &onBehalf
	}

	events := []repository.OutboxEvent{
		newEvent(triggerEvent(req.Action), sub.ID, stage.ID, a.ID, submitterRecipients(sub)),
	}
	if step.Activated {
		events = append(events, newEvent(repository.EventApprovalRequired, sub.ID, step.Stage.ID, a.ID, nextApprovers))
		if step.Stage.RequiresSignature {
			events = append(events, newEvent(repository.EventSignatureRequest, sub.ID, step.Stage.ID, a.ID, nil))
		}
	}

	if err := s.transitions.Commit(ctx, &repository.Transition{
		Submission:      &next,
		ExpectedVersion: sub.Version,
		History:         entry,
		Events:          events,
	}); err != nil {
		return nil, err
	}

	ev := s.log.Info().
		Int64("submission_id", sub.ID).
		Int64("stage_id", stage.ID).
		Str("action", string(entry.Action)).
		Str("user_id", a.ID).
		Str("status", string(next.Status))
	if auth.Delegated {
		ev = ev.Str("on_behalf_of", auth.OnBehalfOf).Int64("delegation_id", auth.Delegation.ID)
	}
	ev.Msg("Approval action processed")

	return &ActionOutcome{
		SubmissionID:   sub.ID,
		ActedStageID:   stage.ID,
		Action:         entry.Action,
		Status:         string(next.Status),
		CurrentStageID: next.CurrentStageID,
		DocumentNumber: next.DocumentNumber,
		EffectiveActor: a.ID,
		OnBehalfOf:     auth.OnBehalfOf,
		HistoryID:      entry.ID,
		Version:        next.Version,
	}, nil
}

// currentStage infers the submission's stage from its history, the same way
// the inbox does. A cached pointer that disagrees is logged and ignored.
func (s *ApprovalService) currentStage(ctx context.Context, sub *repository.Submission, stages []*repository.Stage) (*repository.Stage, error) {
	history, err := s.stores.History.ListBySubmission(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	current := InferCurrentStage(stages, history)
	if sub.CurrentStageID != nil && (current == nil || current.ID != *sub.CurrentStageID) {
		ev := s.log.Warn().
			Int64("submission_id", sub.ID).
			Int64("cached_stage_id", *sub.CurrentStageID)
		if current != nil {
			ev = ev.Int64("inferred_stage_id", current.ID)
		}
		ev.Msg("cached stage disagrees with history")
	}
	return current, nil
}

func (s *ApprovalService) generateNumber(ctx context.Context, submissionID int64, trigger repository.NumberTrigger, actingUser string) (string, error) {
	if s.numberer == nil {
		return "", errors.New(errors.ErrCodeDependency, "document numbering is not configured")
	}
	res, err := s.numberer.GenerateNumber(ctx, submissionID, trigger, actingUser)
	if err != nil {
		s.log.Error().Err(err).Int64("submission_id", submissionID).Msg("document number generation failed")
		return "", errors.Wrap(err, errors.ErrCodeDependency, "document number generation failed")
	}
	if !res.Success || res.Number == "" {
		msg := res.Error
		if msg == "" {
			msg = "no number returned"
		}
		return "", errors.New(errors.ErrCodeDependency, "document number generation failed: "+msg)
	}
	return res.Number, nil
}

func historyAction(action ActionKind, delegated bool) repository.HistoryAction {
	switch action {
	case ActionReject:
		return repository.ActionRejected
	case ActionReturn:
		return repository.ActionReturned
	}
	if delegated {
		return repository.ActionApprovedDelegated
	}
	return repository.ActionApproved
}

func triggerEvent(action ActionKind) repository.OutboxEventKind {
	switch action {
	case ActionReject:
		return repository.EventRejected
	case ActionReturn:
		return repository.EventReturned
	}
	return repository.EventApproved
}

func submitterRecipients(sub *repository.Submission) []string {
	if sub.SubmittedBy == "" {
		return nil
	}
	return []string{sub.SubmittedBy}
}

func newEvent(kind repository.OutboxEventKind, submissionID, stageID int64, actor string, recipients []string) repository.OutboxEvent {
	return repository.OutboxEvent{
		ID:           uuid.NewString(),
		Kind:         kind,
		SubmissionID: submissionID,
		StageID:      stageID,
		ActorID:      actor,
		Recipients:   recipients,
	}
}

// ── Signatures ────────────────────────────────────────────────────────────────

// RequestStageSignature asks every approver of a stage to sign.
func (s *ApprovalService) RequestStageSignature(ctx context.Context, submissionID, stageID int64, requestedBy string) (*SignatureOutcome, error) {
	return s.signatures.RequestStageSignature(ctx, submissionID, stageID, s.ids.Normalize(ctx, requestedBy))
}

// ── Query helpers ─────────────────────────────────────────────────────────────

// ResolveApprovers returns the approver set of a stage, optionally in the
// context of one submission.
func (s *ApprovalService) ResolveApprovers(ctx context.Context, stageID int64, submissionID *int64) (*ApproverSet, error) {
	if stageID <= 0 {
		return nil, errors.InvalidInput("stage_id", "must be positive")
	}
	return s.resolver.ResolveApprovers(ctx, stageID, submissionID)
}

// DelegationCheck reports whether a user's authority is currently delegated.
type DelegationCheck struct {
	UserID       string                     `json:"user_id"`
	Delegated    bool                       `json:"delegated"`
	DelegateTo   string                     `json:"delegate_to,omitempty"`
	DelegationID int64                      `json:"delegation_id,omitempty"`
	Scope        repository.DelegationScope `json:"scope,omitempty"`
	ScopeID      *int64                     `json:"scope_id,omitempty"`
	EndsAt       *time.Time                 `json:"ends_at,omitempty"`
}

// CheckDelegation reports the delegation that would apply to userID for a
// workflow and, optionally, a submission.
func (s *ApprovalService) CheckDelegation(ctx context.Context, userID string, workflowID int64, submissionID *int64) (*DelegationCheck, error) {
	id := s.ids.Normalize(ctx, userID)
	if id == "" {
		return nil, errors.InvalidInput("user_id", "must not be empty")
	}

	d, err := s.delegations.ResolveDelegate(ctx, id, workflowID, submissionID)
	if err != nil {
		return nil, err
	}
	out := &DelegationCheck{UserID: id}
	if d == nil {
		return out, nil
	}
	ends := d.EndsAt
	out.Delegated = true
	out.DelegateTo = d.ToUserID
	out.DelegationID = d.ID
	out.Scope = d.Scope
	out.ScopeID = d.ScopeID
	out.EndsAt = &ends
	return out, nil
}

// GetHistory returns a submission's approval trail, newest first.
func (s *ApprovalService) GetHistory(ctx context.Context, submissionID int64) ([]*repository.HistoryEntry, error) {
	if _, err := s.stores.Submissions.GetByID(ctx, submissionID); err != nil {
		return nil, err
	}
	return s.stores.History.ListBySubmission(ctx, submissionID)
}
