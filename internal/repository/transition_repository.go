package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// Enqueuer inserts post-commit work inside the caller's transaction.
type Enqueuer interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, events []OutboxEvent) error
}

// TransitionRepository commits submission state changes.
type TransitionRepository struct {
	db       *database.DB
	enqueuer Enqueuer
}

// NewTransitionRepository creates a new TransitionRepository. A nil enqueuer
// drops events, which is only useful in tests.
func NewTransitionRepository(db *database.DB, enqueuer Enqueuer) *TransitionRepository {
	return &TransitionRepository{db: db, enqueuer: enqueuer}
}

// Commit applies a transition atomically: the version-checked submission
// update, the history append and the outbox insert either all land or none
// do. A stale ExpectedVersion yields a retriable CONFLICT.
//
// On success t.Submission carries the new version and timestamps, and
// t.History its id and action time.
func (r *TransitionRepository) Commit(ctx context.Context, t *Transition) error {
	if t == nil || t.Submission == nil {
		return errors.New(errors.ErrCodeInternal, "empty transition")
	}
	sub := t.Submission

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		update := `
			UPDATE submissions
			SET current_stage_id = $2,
			    status           = $3,
			    document_number  = $4,
			    submitted_by     = $5,
			    submitted_at     = $6,
			    updated_at       = NOW(),
			    version          = version + 1
			WHERE id = $1 AND version = $7
			RETURNING version, updated_at
		`
		err := tx.QueryRow(ctx, update,
			sub.ID,
			sub.CurrentStageID,
			string(sub.Status),
			sub.DocumentNumber,
			sub.SubmittedBy,
			sub.SubmittedAt,
			t.ExpectedVersion,
		).Scan(&sub.Version, &sub.UpdatedAt)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.Conflict("state changed, reload the submission and retry")
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update submission")
		}

		if h := t.History; h != nil {
			insert := `
				INSERT INTO approval_history
				    (submission_id, stage_id, action, action_by_user_id, on_behalf_of_user_id, comment)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, action_at
			`
			err := tx.QueryRow(ctx, insert,
				h.SubmissionID,
				h.StageID,
				string(h.Action),
				h.ActionByUserID,
				h.OnBehalfOfUserID,
				h.Comment,
			).Scan(&h.ID, &h.ActionAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to append approval history")
			}
			for i := range t.Events {
				t.Events[i].HistoryID = h.ID
			}
		}

		if r.enqueuer != nil && len(t.Events) > 0 {
			if err := r.enqueuer.EnqueueTx(ctx, tx, t.Events); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue post-commit events")
			}
		}
		return nil
	})
}
