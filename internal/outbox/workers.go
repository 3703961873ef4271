package outbox

import (
	"context"

	"github.com/riverqueue/river"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/metrics"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
)

// SubmissionReader loads submissions for event payloads.
type SubmissionReader interface {
	GetByID(ctx context.Context, id int64) (*repository.Submission, error)
}

// StageReader loads stages for event payloads.
type StageReader interface {
	GetStage(ctx context.Context, id int64) (*repository.Stage, error)
}

// HistoryReader loads the history entry an event was committed with.
type HistoryReader interface {
	GetEntry(ctx context.Context, id int64) (*repository.HistoryEntry, error)
}

// TriggerSink publishes trigger events.
type TriggerSink interface {
	Publish(ctx context.Context, event *client.TriggerEvent) error
}

// SignatureRequester opens envelopes for a stage's approvers.
type SignatureRequester interface {
	RequestStageSignature(ctx context.Context, submissionID, stageID int64, requestedBy string) (*service.SignatureOutcome, error)
}

// Deps are the collaborators the workers call.
type Deps struct {
	Submissions SubmissionReader
	Stages      StageReader
	History     HistoryReader
	Triggers    TriggerSink
	Signatures  SignatureRequester
}

const (
	resultOK        = "ok"
	resultRetry     = "retry"
	resultCancelled = "cancelled"
)

// permanent reports errors that a retry cannot fix.
func permanent(err error) bool {
	switch errors.Code(err) {
	case errors.ErrCodeNotFound, errors.ErrCodeInvalidInput, errors.ErrCodeInvalidState,
		errors.ErrCodeNoApprovers, errors.ErrCodeInsufficientApprovers:
		return true
	}
	return false
}

// finish records the job result and turns permanent failures into a cancel.
func finish(kind string, err error) error {
	switch {
	case err == nil:
		metrics.OutboxDispatch.WithLabelValues(kind, resultOK).Inc()
		return nil
	case permanent(err):
		metrics.OutboxDispatch.WithLabelValues(kind, resultCancelled).Inc()
		return river.JobCancel(err)
	default:
		metrics.OutboxDispatch.WithLabelValues(kind, resultRetry).Inc()
		return err
	}
}

// ── trigger ───────────────────────────────────────────────────────────────────

type triggerWorker struct {
	river.WorkerDefaults[TriggerArgs]
	deps Deps
	log  *logger.Logger
}

func (w *triggerWorker) Work(ctx context.Context, job *river.Job[TriggerArgs]) error {
	ev, err := w.buildEvent(ctx, job)
	if err == nil {
		err = w.deps.Triggers.Publish(ctx, ev)
	}
	if err != nil {
		w.log.Warn().Err(err).
			Str("event_type", job.Args.EventType).
			Int64("submission_id", job.Args.SubmissionID).
			Int("attempt", job.Attempt).
			Msg("trigger publication failed")
	}
	return finish(JobKindTrigger, err)
}

// buildEvent enriches the job with the submission, stage and history entry.
// Status and document number are read at publication time.
func (w *triggerWorker) buildEvent(ctx context.Context, job *river.Job[TriggerArgs]) (*client.TriggerEvent, error) {
	a := job.Args

	sub, err := w.deps.Submissions.GetByID(ctx, a.SubmissionID)
	if err != nil {
		return nil, err
	}

	ev := &client.TriggerEvent{
		ID:             a.EventID,
		EventType:      a.EventType,
		SubmissionID:   sub.ID,
		DocumentNumber: sub.DocumentNumber,
		DocumentTypeID: sub.DocumentTypeID,
		StageID:        a.StageID,
		Status:         string(sub.Status),
		ActorID:        a.ActorID,
		Recipients:     a.Recipients,
		IsActionable:   a.EventType == client.TriggerApprovalRequired,
		OccurredAt:     job.CreatedAt,
	}

	if a.StageID > 0 {
		stage, err := w.deps.Stages.GetStage(ctx, a.StageID)
		if err != nil {
			return nil, err
		}
		ev.StageName = stage.Name
	}

	if a.HistoryID > 0 {
		entry, err := w.deps.History.GetEntry(ctx, a.HistoryID)
		if err != nil {
			return nil, err
		}
		ev.Comment = entry.Comment
		ev.OccurredAt = entry.ActionAt
		if entry.OnBehalfOfUserID != nil {
			ev.OnBehalfOf = *entry.OnBehalfOfUserID
		}
	}
	return ev, nil
}

// ── signature ─────────────────────────────────────────────────────────────────

type signatureWorker struct {
	river.WorkerDefaults[SignatureArgs]
	deps Deps
	log  *logger.Logger
}

func (w *signatureWorker) Work(ctx context.Context, job *river.Job[SignatureArgs]) error {
	a := job.Args

	out, err := w.deps.Signatures.RequestStageSignature(ctx, a.SubmissionID, a.StageID, a.RequestedBy)
	if err != nil {
		w.log.Warn().Err(err).
			Int64("submission_id", a.SubmissionID).
			Int64("stage_id", a.StageID).
			Int("attempt", job.Attempt).
			Msg("signature request failed")
		return finish(JobKindSignature, err)
	}

	w.log.Info().
		Int64("submission_id", a.SubmissionID).
		Int64("stage_id", a.StageID).
		Int("requested", out.Requested).
		Int("signers", len(out.Signers)).
		Msg("Signature requests dispatched")
	return finish(JobKindSignature, nil)
}
