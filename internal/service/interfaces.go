package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// WorkflowStore reads workflow and stage configuration.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, id int64) (*repository.Workflow, error)
	GetWorkflowForDocumentType(ctx context.Context, documentTypeID int64) (*repository.Workflow, error)
	GetStage(ctx context.Context, id int64) (*repository.Stage, error)
	ListActiveStages(ctx context.Context) ([]*repository.Stage, error)
	ListActiveStagesByWorkflow(ctx context.Context, workflowID int64) ([]*repository.Stage, error)
}

// AssigneeStore reads stage assignees.
type AssigneeStore interface {
	ListActiveByStage(ctx context.Context, stageID int64) ([]*repository.StageAssignee, error)
}

// DelegationStore reads delegation grants.
type DelegationStore interface {
	ListActiveFrom(ctx context.Context, fromUsers []string, now time.Time) ([]*repository.Delegation, error)
	ListActiveTo(ctx context.Context, toUsers []string, scope repository.DelegationScope, now time.Time) ([]*repository.Delegation, error)
}

// SubmissionStore reads submissions, their document types and field values.
type SubmissionStore interface {
	GetByID(ctx context.Context, id int64) (*repository.Submission, error)
	ListSubmittedByWorkflow(ctx context.Context, workflowID int64) ([]*repository.Submission, error)
	ListSubmitted(ctx context.Context) ([]*repository.Submission, error)
	GetFieldValue(ctx context.Context, submissionID int64, fieldCode string) (*string, error)
	GetDocumentType(ctx context.Context, id int64) (*repository.DocumentType, error)
}

// SeriesStore reads document series.
type SeriesStore interface {
	GetSeries(ctx context.Context, id int64) (*repository.DocumentSeries, error)
}

// HistoryStore reads the approval trail.
type HistoryStore interface {
	ListBySubmission(ctx context.Context, submissionID int64) ([]*repository.HistoryEntry, error)
	ListBySubmissions(ctx context.Context, submissionIDs []int64) (map[int64][]*repository.HistoryEntry, error)
}

// IdentityProvider is the primary source of users and role memberships.
type IdentityProvider interface {
	ActiveRoleMembers(ctx context.Context, roleIDs []string) (repository.RoleMembership, error)
	ResolveLogin(ctx context.Context, login string) (string, bool, error)
	GetUser(ctx context.Context, idOrLogin string) (*repository.User, error)
}

// RoleMemberFallback is the secondary identity source for roles the
// primary provider does not know.
type RoleMemberFallback interface {
	RoleMembers(ctx context.Context, roleIDs []string) ([]string, error)
}

// Numberer issues permanent document numbers.
type Numberer interface {
	GenerateNumber(ctx context.Context, submissionID int64, trigger repository.NumberTrigger, actingUser string) (*repository.NumberResult, error)
}

// SignatureService opens e-signature envelopes.
type SignatureService interface {
	RequestSignature(ctx context.Context, req client.SignatureRequest) (*client.SignatureResult, error)
}

// TransitionCommitter persists a transition atomically.
type TransitionCommitter interface {
	Commit(ctx context.Context, t *repository.Transition) error
}
