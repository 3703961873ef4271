package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// SubmissionRepository reads submissions and their field values. Writes go
// through TransitionRepository so that every state change is versioned.
type SubmissionRepository struct {
	db *database.DB
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(db *database.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

const submissionColumns = `
	s.id, s.document_type_id, s.series_id, s.current_stage_id, s.status,
	s.document_number, s.submitted_by, s.submitted_at, s.created_at, s.updated_at, s.version
`

// GetByID retrieves a submission by primary key.
func (r *SubmissionRepository) GetByID(ctx context.Context, id int64) (*Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions s WHERE s.id = $1`

	sub, err := scanSubmission(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("submission", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get submission")
	}
	return sub, nil
}

// ListSubmittedByWorkflow returns Submitted submissions whose document type is
// governed by the workflow, either through the explicit assignment or, when
// there is none, as the newest active workflow carrying the legacy reverse
// link. This matches GetWorkflowForDocumentType.
func (r *SubmissionRepository) ListSubmittedByWorkflow(ctx context.Context, workflowID int64) ([]*Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions s
		JOIN document_types dt ON dt.id = s.document_type_id
		WHERE s.status = 'Submitted'
		  AND (
		        dt.workflow_id = $1
		     OR (dt.workflow_id IS NULL AND $1 = (
		            SELECT w.id FROM approval_workflows w
		            WHERE w.document_type_id = dt.id AND w.is_active
		            ORDER BY w.id DESC
		            LIMIT 1
		        ))
		  )
		ORDER BY s.id ASC
	`
	return r.list(ctx, query, workflowID)
}

// ListSubmitted returns every Submitted submission.
func (r *SubmissionRepository) ListSubmitted(ctx context.Context) ([]*Submission, error) {
	query := `
		SELECT ` + submissionColumns + `
		FROM submissions s
		WHERE s.status = 'Submitted'
		ORDER BY s.id ASC
	`
	return r.list(ctx, query)
}

// GetFieldValue returns the stored value of a field, or nil when the
// submission has no such field. Field codes match ignoring case and
// surrounding whitespace.
func (r *SubmissionRepository) GetFieldValue(ctx context.Context, submissionID int64, fieldCode string) (*string, error) {
	query := `
		SELECT value
		FROM submission_field_values
		WHERE submission_id = $1 AND lower(trim(field_code)) = lower(trim($2))
		LIMIT 1
	`

	var value *string
	err := r.db.QueryRow(ctx, query, submissionID, fieldCode).Scan(&value)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get field value")
	}
	return value, nil
}

// GetDocumentType retrieves a document type by primary key.
func (r *SubmissionRepository) GetDocumentType(ctx context.Context, id int64) (*DocumentType, error) {
	query := `SELECT id, code, name, workflow_id, series_id FROM document_types WHERE id = $1`

	dt := &DocumentType{}
	err := r.db.QueryRow(ctx, query, id).Scan(&dt.ID, &dt.Code, &dt.Name, &dt.WorkflowID, &dt.SeriesID)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("document type", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document type")
	}
	return dt, nil
}

func (r *SubmissionRepository) list(ctx context.Context, query string, args ...any) ([]*Submission, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list submissions")
	}
	defer rows.Close()

	subs := make([]*Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan submission")
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list submissions")
	}
	return subs, nil
}

func scanSubmission(row rowScanner) (*Submission, error) {
	sub := &Submission{}
	var status string
	err := row.Scan(
		&sub.ID,
		&sub.DocumentTypeID,
		&sub.SeriesID,
		&sub.CurrentStageID,
		&status,
		&sub.DocumentNumber,
		&sub.SubmittedBy,
		&sub.SubmittedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.Version,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = SubmissionStatus(status)
	return sub, nil
}
