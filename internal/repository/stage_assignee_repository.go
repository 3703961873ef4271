package repository

import (
	"context"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// StageAssigneeRepository reads the nominal approvers configured on stages.
type StageAssigneeRepository struct {
	db *database.DB
}

// NewStageAssigneeRepository creates a new StageAssigneeRepository.
func NewStageAssigneeRepository(db *database.DB) *StageAssigneeRepository {
	return &StageAssigneeRepository{db: db}
}

// ListActiveByStage returns the active assignee rows of a stage.
func (r *StageAssigneeRepository) ListActiveByStage(ctx context.Context, stageID int64) ([]*StageAssignee, error) {
	query := `
		SELECT id, stage_id, user_id, role_id, is_active
		FROM stage_assignees
		WHERE stage_id = $1 AND is_active
		ORDER BY id ASC
	`

	rows, err := r.db.Query(ctx, query, stageID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage assignees")
	}
	defer rows.Close()

	var assignees []*StageAssignee
	for rows.Next() {
		a := &StageAssignee{}
		if err := rows.Scan(&a.ID, &a.StageID, &a.UserID, &a.RoleID, &a.IsActive); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage assignee")
		}
		assignees = append(assignees, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage assignees")
	}
	return assignees, nil
}
