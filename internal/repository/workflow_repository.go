package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// WorkflowRepository reads workflow and stage configuration.
type WorkflowRepository struct {
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `
	w.id, w.name, w.document_type_id, w.is_active, w.created_at, w.updated_at
`

const stageColumns = `
	id, workflow_id, stage_order, name, is_active, is_final_stage,
	min_amount::float8, max_amount::float8, amount_field_code,
	requires_signature, minimum_required_assignees
`

// GetWorkflow retrieves a workflow by primary key.
func (r *WorkflowRepository) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM approval_workflows w WHERE w.id = $1`

	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow")
	}
	return wf, nil
}

// GetWorkflowForDocumentType returns the workflow governing a document type.
// An explicit assignment on the document type wins; otherwise the newest
// active workflow carrying the legacy reverse link is used.
func (r *WorkflowRepository) GetWorkflowForDocumentType(ctx context.Context, documentTypeID int64) (*Workflow, error) {
	explicit := `
		SELECT ` + workflowColumns + `
		FROM document_types dt
		JOIN approval_workflows w ON w.id = dt.workflow_id
		WHERE dt.id = $1
	`
	wf, err := r.scanWorkflow(r.db.QueryRow(ctx, explicit, documentTypeID))
	if err == nil {
		return wf, nil
	}
	if !stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get document type workflow")
	}

	legacy := `
		SELECT ` + workflowColumns + `
		FROM approval_workflows w
		WHERE w.document_type_id = $1 AND w.is_active
		ORDER BY w.id DESC
		LIMIT 1
	`
	wf, err = r.scanWorkflow(r.db.QueryRow(ctx, legacy, documentTypeID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("workflow for document type", documentTypeID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get workflow by document type")
	}
	return wf, nil
}

// GetStage retrieves a stage by primary key, active or not.
func (r *WorkflowRepository) GetStage(ctx context.Context, id int64) (*Stage, error) {
	query := `SELECT ` + stageColumns + ` FROM approval_stages WHERE id = $1`

	st, err := r.scanStage(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("stage", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage")
	}
	return st, nil
}

// ListActiveStages returns every active stage of every active workflow,
// ordered by workflow then stage order.
func (r *WorkflowRepository) ListActiveStages(ctx context.Context) ([]*Stage, error) {
	query := `
		SELECT ` + stageColumns + `
		FROM approval_stages
		WHERE is_active
		  AND workflow_id IN (SELECT id FROM approval_workflows WHERE is_active)
		ORDER BY workflow_id ASC, stage_order ASC
	`
	return r.queryStages(ctx, query)
}

// ListActiveStagesByWorkflow returns the active stages of one workflow by stage order.
func (r *WorkflowRepository) ListActiveStagesByWorkflow(ctx context.Context, workflowID int64) ([]*Stage, error) {
	query := `
		SELECT ` + stageColumns + `
		FROM approval_stages
		WHERE workflow_id = $1 AND is_active
		ORDER BY stage_order ASC
	`
	return r.queryStages(ctx, query, workflowID)
}

func (r *WorkflowRepository) queryStages(ctx context.Context, query string, args ...any) ([]*Stage, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stages")
	}
	defer rows.Close()

	var stages []*Stage
	for rows.Next() {
		st, err := r.scanStage(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage")
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stages")
	}
	return stages, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	err := row.Scan(
		&wf.ID,
		&wf.Name,
		&wf.DocumentTypeID,
		&wf.IsActive,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (r *WorkflowRepository) scanStage(row rowScanner) (*Stage, error) {
	st := &Stage{}
	err := row.Scan(
		&st.ID,
		&st.WorkflowID,
		&st.StageOrder,
		&st.Name,
		&st.IsActive,
		&st.IsFinalStage,
		&st.MinAmount,
		&st.MaxAmount,
		&st.AmountFieldCode,
		&st.RequiresSignature,
		&st.MinimumRequiredAssignees,
	)
	if err != nil {
		return nil, err
	}
	return st, nil
}
