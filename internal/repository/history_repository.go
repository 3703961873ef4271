package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// HistoryRepository reads the append-only approval trail. Entries are only
// ever inserted by TransitionRepository.Commit.
type HistoryRepository struct {
	db *database.DB
}

// NewHistoryRepository creates a new HistoryRepository.
func NewHistoryRepository(db *database.DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

const historyColumns = `
	id, submission_id, stage_id, action, action_by_user_id, on_behalf_of_user_id, action_at, comment
`

// ListBySubmission returns a submission's history, newest first.
func (r *HistoryRepository) ListBySubmission(ctx context.Context, submissionID int64) ([]*HistoryEntry, error) {
	query := `
		SELECT ` + historyColumns + `
		FROM approval_history
		WHERE submission_id = $1
		ORDER BY action_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, submissionID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	entries := make([]*HistoryEntry, 0)
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	return entries, nil
}

// ListBySubmissions loads the history of several submissions in one query,
// keyed by submission id, each newest first.
func (r *HistoryRepository) ListBySubmissions(ctx context.Context, submissionIDs []int64) (map[int64][]*HistoryEntry, error) {
	out := make(map[int64][]*HistoryEntry, len(submissionIDs))
	if len(submissionIDs) == 0 {
		return out, nil
	}

	query := `
		SELECT ` + historyColumns + `
		FROM approval_history
		WHERE submission_id = ANY($1)
		ORDER BY submission_id ASC, action_at DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, submissionIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan history entry")
		}
		out[e.SubmissionID] = append(out[e.SubmissionID], e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval history")
	}
	return out, nil
}

// GetEntry retrieves a single history entry.
func (r *HistoryRepository) GetEntry(ctx context.Context, id int64) (*HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM approval_history WHERE id = $1`

	e, err := scanHistory(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("history entry", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get history entry")
	}
	return e, nil
}

func scanHistory(row rowScanner) (*HistoryEntry, error) {
	e := &HistoryEntry{}
	var action string
	err := row.Scan(
		&e.ID,
		&e.SubmissionID,
		&e.StageID,
		&action,
		&e.ActionByUserID,
		&e.OnBehalfOfUserID,
		&e.ActionAt,
		&e.Comment,
	)
	if err != nil {
		return nil, err
	}
	e.Action = HistoryAction(action)
	return e, nil
}
