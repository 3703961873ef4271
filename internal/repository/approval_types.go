package repository

import (
	"strings"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// SubmissionStatus is the lifecycle status of a submission.
type SubmissionStatus string

const (
	StatusDraft     SubmissionStatus = "Draft"
	StatusSubmitted SubmissionStatus = "Submitted"
	StatusApproved  SubmissionStatus = "Approved"
	StatusRejected  SubmissionStatus = "Rejected"
)

// HistoryAction is the action recorded on a history entry.
type HistoryAction string

const (
	ActionApproved          HistoryAction = "Approved"
	ActionApprovedDelegated HistoryAction = "Approved (Delegated)"
	ActionRejected          HistoryAction = "Rejected"
	ActionReturned          HistoryAction = "Returned"
)

// IsApproval reports whether the action moved the document forward.
func (a HistoryAction) IsApproval() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(string(a))), "approved")
}

// DelegationScope is the breadth of a delegation grant.
type DelegationScope string

const (
	ScopeGlobal   DelegationScope = "Global"
	ScopeWorkflow DelegationScope = "Workflow"
	ScopeDocument DelegationScope = "Document"
)

// NumberTrigger is the event on which a series issues its permanent number.
type NumberTrigger string

const (
	NumberOnSubmit   NumberTrigger = "OnSubmit"
	NumberOnApproval NumberTrigger = "OnApproval"
)

// ProvisionalNumberPrefix marks document numbers that have not been issued yet.
const ProvisionalNumberPrefix = "DRAFT-"

// IsProvisionalNumber reports whether a document number is still a placeholder.
func IsProvisionalNumber(number string) bool {
	n := strings.ToUpper(strings.TrimSpace(number))
	return n == "" || strings.HasPrefix(n, ProvisionalNumberPrefix)
}

// ── Workflow configuration (read-only to the runtime) ────────────────────────

// Workflow is an ordered pipeline of stages for one document type.
type Workflow struct {
	ID             int64
	Name           string
	DocumentTypeID *int64 // legacy reverse link
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stage is one ordered step of a workflow.
type Stage struct {
	ID                       int64
	WorkflowID               int64
	StageOrder               int
	Name                     string
	IsActive                 bool
	IsFinalStage             bool
	MinAmount                *float64
	MaxAmount                *float64
	AmountFieldCode          *string
	RequiresSignature        bool
	MinimumRequiredAssignees *int
}

// HasAmountGate reports whether any part of the amount gate is configured.
func (s *Stage) HasAmountGate() bool {
	return s.MinAmount != nil || s.MaxAmount != nil ||
		(s.AmountFieldCode != nil && strings.TrimSpace(*s.AmountFieldCode) != "")
}

// StageAssignee is a configured nominal approver of a stage: a direct user or a role.
type StageAssignee struct {
	ID       int64
	StageID  int64
	UserID   *string
	RoleID   *string
	IsActive bool
}

// IsDirectUser reports whether the row names a user. Such rows never
// contribute to role expansion, even if RoleID is also populated.
func (a *StageAssignee) IsDirectUser() bool {
	return a.UserID != nil && strings.TrimSpace(*a.UserID) != ""
}

// Delegation lets ToUserID act in place of FromUserID for a time window.
type Delegation struct {
	ID         int64
	FromUserID string
	ToUserID   string
	StartsAt   time.Time
	EndsAt     time.Time
	IsActive   bool
	Scope      DelegationScope
	ScopeID    *int64 // workflow id or submission id
	Reason     *string
	CreatedAt  time.Time
}

// ActiveAt reports whether the delegation is usable at t.
func (d *Delegation) ActiveAt(t time.Time) bool {
	return d.IsActive && !t.Before(d.StartsAt) && !t.After(d.EndsAt)
}

// DocumentType links a kind of document to its workflow and numbering series.
type DocumentType struct {
	ID         int64
	Code       string
	Name       string
	WorkflowID *int64 // explicit assignment; wins over the legacy reverse link
	SeriesID   int64
}

// DocumentSeries issues permanent document numbers.
type DocumentSeries struct {
	ID         int64
	Code       string
	Prefix     string
	NextNumber int64
	Padding    int
	GenerateOn NumberTrigger
	IsActive   bool
}

// ── Runtime state ────────────────────────────────────────────────────────────

// Submission is a document instance flowing through a workflow.
// CurrentStageID is a cached hint; the history trail is authoritative.
type Submission struct {
	ID             int64
	DocumentTypeID int64
	SeriesID       int64
	CurrentStageID *int64
	Status         SubmissionStatus
	DocumentNumber string
	SubmittedBy    string
	SubmittedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Version        int
}

// HistoryEntry is one immutable record of an action on a submission.
type HistoryEntry struct {
	ID               int64
	SubmissionID     int64
	StageID          int64
	Action           HistoryAction
	ActionByUserID   string
	OnBehalfOfUserID *string
	ActionAt         time.Time
	Comment          string
}

// User is an identity known to the service.
type User struct {
	ID          string
	Login       string
	Email       string
	DisplayName string
	IsActive    bool
}

// RoleMembership is the outcome of expanding a set of roles.
type RoleMembership struct {
	UserIDs []string
	// ActiveRolesFound counts requested roles that exist and are active,
	// whether or not they have members.
	ActiveRolesFound int
}

// NumberResult is the outcome of a document number generation request.
type NumberResult struct {
	Success bool
	Number  string
	Error   string
}

// ── Transitions and post-commit events ───────────────────────────────────────

// OutboxEventKind names a post-commit side effect.
type OutboxEventKind string

const (
	EventFormSubmitted    OutboxEventKind = "form_submitted"
	EventApprovalRequired OutboxEventKind = "approval_required"
	EventApproved         OutboxEventKind = "approved"
	EventRejected         OutboxEventKind = "rejected"
	EventReturned         OutboxEventKind = "returned"
	EventSignatureRequest OutboxEventKind = "signature_requested"
)

// OutboxEvent is enqueued in the same transaction as the state change it describes.
type OutboxEvent struct {
	ID           string
	Kind         OutboxEventKind
	SubmissionID int64
	StageID      int64
	HistoryID    int64 // filled in at commit when the transition appends history
	ActorID      string
	Recipients   []string
}

// Transition is one atomic state change of a submission.
type Transition struct {
	Submission      *Submission // desired state; Version is bumped on commit
	ExpectedVersion int
	History         *HistoryEntry // nil for activation
	Events          []OutboxEvent
}
