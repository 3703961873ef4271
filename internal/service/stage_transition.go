package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// ActionKind is a decision taken on a stage.
type ActionKind string

const (
	ActionApprove ActionKind = "approve"
	ActionReject  ActionKind = "reject"
	ActionReturn  ActionKind = "return"
)

// ParseActionKind accepts the action names case-insensitively.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(strings.ToLower(strings.TrimSpace(s))) {
	case ActionApprove, "approved":
		return ActionApprove, nil
	case ActionReject, "rejected":
		return ActionReject, nil
	case ActionReturn, "returned":
		return ActionReturn, nil
	}
	return "", errors.InvalidInput("action", fmt.Sprintf("unknown action %q", s))
}

// StageTransition is the outcome of applying an action to a stage.
type StageTransition struct {
	Status repository.SubmissionStatus
	// Stage is the stage the submission sits at afterwards; nil when cleared.
	Stage *repository.Stage
	// Activated is true when Stage is a stage the submission newly entered.
	Activated bool
}

// NextTransition applies action at current. stages are the workflow's
// active stages in any order.
func NextTransition(stages []*repository.Stage, current *repository.Stage, action ActionKind) (StageTransition, error) {
	switch action {
	case ActionApprove:
		next := nextStage(stages, current)
		if current.IsFinalStage || next == nil {
			return StageTransition{Status: repository.StatusApproved}, nil
		}
		return StageTransition{Status: repository.StatusSubmitted, Stage: next, Activated: true}, nil

	case ActionReject:
		return StageTransition{Status: repository.StatusRejected, Stage: current}, nil

	case ActionReturn:
		prev := previousStage(stages, current)
		if prev == nil {
			return StageTransition{Status: repository.StatusDraft}, nil
		}
		return StageTransition{Status: repository.StatusSubmitted, Stage: prev, Activated: true}, nil
	}
	return StageTransition{}, errors.InvalidInput("action", fmt.Sprintf("unknown action %q", action))
}

// nextStage is the active stage with the smallest order above current.
func nextStage(stages []*repository.Stage, current *repository.Stage) *repository.Stage {
	var best *repository.Stage
	for _, s := range stages {
		if s.WorkflowID != current.WorkflowID || !s.IsActive || s.StageOrder <= current.StageOrder {
			continue
		}
		if best == nil || s.StageOrder < best.StageOrder {
			best = s
		}
	}
	return best
}

// previousStage is the active stage with the largest order below current.
func previousStage(stages []*repository.Stage, current *repository.Stage) *repository.Stage {
	var best *repository.Stage
	for _, s := range stages {
		if s.WorkflowID != current.WorkflowID || !s.IsActive || s.StageOrder >= current.StageOrder {
			continue
		}
		if best == nil || s.StageOrder > best.StageOrder {
			best = s
		}
	}
	return best
}

// firstStage is the lowest-order active stage.
func firstStage(stages []*repository.Stage) *repository.Stage {
	var best *repository.Stage
	for _, s := range stages {
		if !s.IsActive {
			continue
		}
		if best == nil || s.StageOrder < best.StageOrder {
			best = s
		}
	}
	return best
}

// InferCurrentStage derives the stage a Submitted document sits at from its
// history alone, without trusting the cached stage pointer. It replays the
// latest entry through the same rules NextTransition applies:
//
//   - no history: the lowest-order active stage
//   - approved at k: the next active stage after k
//   - rejected at k: k
//   - returned at k: the nearest active stage before k, or the lowest stage
//     when the document went back to Draft and was resubmitted
//
// It returns nil when the latest entry belongs to a stage outside stages,
// or when an approval left no later stage.
func InferCurrentStage(stages []*repository.Stage, history []*repository.HistoryEntry) *repository.Stage {
	latest := latestEntry(history)
	if latest == nil {
		return firstStage(stages)
	}

	var acted *repository.Stage
	for _, s := range stages {
		if s.ID == latest.StageID {
			acted = s
			break
		}
	}
	if acted == nil {
		return nil
	}

	switch {
	case latest.Action.IsApproval():
		if acted.IsFinalStage {
			return nil
		}
		return nextStage(stages, acted)
	case latest.Action == repository.ActionReturned:
		if prev := previousStage(stages, acted); prev != nil {
			return prev
		}
		return firstStage(stages)
	default:
		return acted
	}
}

// latestEntry picks the newest entry by action time, then id.
func latestEntry(history []*repository.HistoryEntry) *repository.HistoryEntry {
	if len(history) == 0 {
		return nil
	}
	sorted := make([]*repository.HistoryEntry, len(history))
	copy(sorted, history)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.ActionAt.Equal(b.ActionAt) {
			return a.ActionAt.After(b.ActionAt)
		}
		return a.ID > b.ID
	})
	return sorted[0]
}

// ── Amount gate ───────────────────────────────────────────────────────────────

// FieldValueLookup reads submission field values for the amount gate.
type FieldValueLookup interface {
	GetFieldValue(ctx context.Context, submissionID int64, fieldCode string) (*string, error)
}

// checkAmountGate verifies that the submission may enter stage. Stages
// without a gate always pass.
func checkAmountGate(ctx context.Context, fields FieldValueLookup, stage *repository.Stage, submissionID int64) error {
	if !stage.HasAmountGate() {
		return nil
	}

	code := ""
	if stage.AmountFieldCode != nil {
		code = strings.TrimSpace(*stage.AmountFieldCode)
	}
	if code == "" || (stage.MinAmount == nil && stage.MaxAmount == nil) {
		return errors.InvalidState(fmt.Sprintf("stage %q has an incomplete amount gate", stage.Name))
	}
	if stage.MinAmount != nil && stage.MaxAmount != nil && *stage.MinAmount >= *stage.MaxAmount {
		return errors.InvalidState(fmt.Sprintf("stage %q has an empty amount range", stage.Name))
	}

	raw, err := fields.GetFieldValue(ctx, submissionID, code)
	if err != nil {
		return err
	}
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return errors.InvalidState(fmt.Sprintf("field %s is required to enter stage %q", code, stage.Name))
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(*raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.InvalidState(fmt.Sprintf("field %s is not numeric", code))
	}

	if stage.MinAmount != nil && value < *stage.MinAmount {
		return errors.InvalidState(fmt.Sprintf("amount %v is below the minimum %v for stage %q", value, *stage.MinAmount, stage.Name))
	}
	if stage.MaxAmount != nil && value > *stage.MaxAmount {
		return errors.InvalidState(fmt.Sprintf("amount %v is above the maximum %v for stage %q", value, *stage.MaxAmount, stage.Name))
	}
	return nil
}
