package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/metrics"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// InboxSource names the pass that put an item in the inbox.
type InboxSource string

const (
	SourceStage              InboxSource = "stage"
	SourceDocumentDelegation InboxSource = "document_delegation"
	SourceGlobalDelegation   InboxSource = "global_delegation"
)

// InboxItem is a submission waiting for the user's decision.
type InboxItem struct {
	SubmissionID   int64       `json:"submission_id"`
	DocumentNumber string      `json:"document_number"`
	DocumentTypeID int64       `json:"document_type_id"`
	WorkflowID     int64       `json:"workflow_id"`
	StageID        int64       `json:"stage_id"`
	StageName      string      `json:"stage_name"`
	Approvers      []string    `json:"approvers"`
	IsDelegated    bool        `json:"is_delegated"`
	DelegatedFrom  string      `json:"delegated_from,omitempty"`
	Source         InboxSource `json:"source"`
	SubmittedBy    string      `json:"submitted_by"`
	SubmittedAt    *time.Time  `json:"submitted_at,omitempty"`
}

// StageDebug describes how one active stage resolved for the user.
type StageDebug struct {
	StageID    int64    `json:"stage_id"`
	StageName  string   `json:"stage_name"`
	WorkflowID int64    `json:"workflow_id"`
	Approvers  []string `json:"approvers,omitempty"`
	IsDirect   bool     `json:"is_direct"`
	Error      string   `json:"error,omitempty"`
}

// SkippedSubmission records why a candidate submission was left out.
type SkippedSubmission struct {
	SubmissionID int64       `json:"submission_id"`
	StageID      int64       `json:"stage_id,omitempty"`
	Pass         InboxSource `json:"pass"`
	Reason       string      `json:"reason"`
}

// InboxDebugInfo mirrors an inbox computation step by step.
type InboxDebugInfo struct {
	UserID              string              `json:"user_id"`
	UserForms           []string            `json:"user_forms"`
	Stages              []StageDebug        `json:"stages"`
	OutgoingDelegations int                 `json:"outgoing_delegations"`
	DocumentDelegations int                 `json:"document_delegations"`
	WorkflowDelegations int                 `json:"workflow_delegations"`
	GlobalDelegations   int                 `json:"global_delegations"`
	Skipped             []SkippedSubmission `json:"skipped"`
	Items               []InboxItem         `json:"items"`
}

// InboxService computes inboxes from stages, submissions and history.
type InboxService struct {
	stores      Stores
	resolver    *ApproverResolver
	concurrency int
	clock       clock.PassiveClock
	log         *logger.Logger
}

// NewInboxService creates a new InboxService. concurrency bounds parallel
// approver resolution across stages.
func NewInboxService(stores Stores, resolver *ApproverResolver, concurrency int, clk clock.PassiveClock, log *logger.Logger) *InboxService {
	if concurrency <= 0 {
		concurrency = 1
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &InboxService{stores: stores, resolver: resolver, concurrency: concurrency, clock: clk, log: log}
}

// GetInbox returns the submissions currently waiting on userID, sorted by
// submission then stage.
func (s *InboxService) GetInbox(ctx context.Context, userID string) ([]InboxItem, error) {
	start := s.clock.Now()

	items, err := s.build(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	metrics.InboxBuildLatency.Observe(s.clock.Since(start).Seconds())
	metrics.InboxSize.Observe(float64(len(items)))
	return items, nil
}

// GetInboxDebugInfo runs the inbox computation and reports its internals.
func (s *InboxService) GetInboxDebugInfo(ctx context.Context, userID string) (*InboxDebugInfo, error) {
	debug := &InboxDebugInfo{}
	items, err := s.build(ctx, userID, debug)
	if err != nil {
		return nil, err
	}
	debug.Items = items
	return debug, nil
}

// ── Inbox computation ─────────────────────────────────────────────────────────

type inboxBuild struct {
	s     *InboxService
	actor *actor
	debug *InboxDebugInfo

	items     map[int64]InboxItem
	sets      map[int64]*ApproverSet
	setErrs   map[int64]error
	stages    map[int64][]*repository.Stage // by workflow
	workflows map[int64]*repository.Workflow // by document type; nil when none
}

func (s *InboxService) build(ctx context.Context, userID string, debug *InboxDebugInfo) ([]InboxItem, error) {
	a, err := s.resolver.loadActor(ctx, userID)
	if err != nil {
		return nil, err
	}

	b := &inboxBuild{
		s:         s,
		actor:     a,
		debug:     debug,
		items:     map[int64]InboxItem{},
		sets:      map[int64]*ApproverSet{},
		setErrs:   map[int64]error{},
		stages:    map[int64][]*repository.Stage{},
		workflows: map[int64]*repository.Workflow{},
	}
	if debug != nil {
		debug.UserID = a.ID
		debug.UserForms = a.forms
		debug.OutgoingDelegations = len(a.outgoing)
		for _, d := range a.incoming {
			switch d.Scope {
			case repository.ScopeDocument:
				debug.DocumentDelegations++
			case repository.ScopeWorkflow:
				debug.WorkflowDelegations++
			case repository.ScopeGlobal:
				debug.GlobalDelegations++
			}
		}
	}

	if err := b.scanStages(ctx); err != nil {
		return nil, err
	}
	if err := b.scanDocumentDelegations(ctx); err != nil {
		return nil, err
	}
	if err := b.scanGlobalDelegations(ctx); err != nil {
		return nil, err
	}

	out := make([]InboxItem, 0, len(b.items))
	for _, item := range b.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmissionID != out[j].SubmissionID {
			return out[i].SubmissionID < out[j].SubmissionID
		}
		return out[i].StageID < out[j].StageID
	})

	s.log.Debug().
		Str("user_id", a.ID).
		Int("items", len(out)).
		Msg("inbox computed")
	return out, nil
}

// scanStages is the first pass: every active stage, and every Submitted
// submission of its workflow whose history places it at that stage.
func (b *inboxBuild) scanStages(ctx context.Context) error {
	stages, err := b.s.stores.Workflows.ListActiveStages(ctx)
	if err != nil {
		return err
	}
	if err := b.resolveStages(ctx, stages); err != nil {
		return err
	}

	var workflowIDs []int64
	for _, st := range stages {
		if _, seen := b.stages[st.WorkflowID]; !seen {
			workflowIDs = append(workflowIDs, st.WorkflowID)
		}
		b.stages[st.WorkflowID] = append(b.stages[st.WorkflowID], st)
	}
	sort.Slice(workflowIDs, func(i, j int) bool { return workflowIDs[i] < workflowIDs[j] })

	for _, wfID := range workflowIDs {
		subs, err := b.s.stores.Submissions.ListSubmittedByWorkflow(ctx, wfID)
		if err != nil {
			return err
		}
		if len(subs) == 0 {
			continue
		}
		histories, err := b.s.stores.History.ListBySubmissions(ctx, submissionIDs(subs))
		if err != nil {
			return err
		}

		for _, sub := range subs {
			wf, err := b.workflowFor(ctx, sub.DocumentTypeID)
			if err != nil {
				return err
			}
			if wf == nil || wf.ID != wfID {
				b.skip(sub.ID, 0, SourceStage, "workflow does not govern the document type")
				continue
			}
			current := InferCurrentStage(b.stages[wfID], histories[sub.ID])
			if current == nil {
				b.skip(sub.ID, 0, SourceStage, "history places the submission at no active stage")
				continue
			}
			if err := b.consider(ctx, sub, wfID, current, SourceStage); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveStages resolves every stage's approvers at stage level, in parallel.
func (b *inboxBuild) resolveStages(ctx context.Context, stages []*repository.Stage) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.s.concurrency)

	for _, st := range stages {
		g.Go(func() error {
			set, err := b.s.resolver.ResolveForStage(gctx, st, nil)
			if err != nil && !errors.IsResolutionFailure(err) {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.setErrs[st.ID] = err
			} else {
				b.sets[st.ID] = set
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if b.debug != nil {
		for _, st := range stages {
			sd := StageDebug{StageID: st.ID, StageName: st.Name, WorkflowID: st.WorkflowID}
			if set := b.sets[st.ID]; set != nil {
				sd.Approvers = set.UserIDs
				for _, f := range b.actor.forms {
					if _, ok := set.members[idKey(f)]; ok {
						sd.IsDirect = true
					}
				}
			} else if err := b.setErrs[st.ID]; err != nil {
				sd.Error = errors.Message(err)
			}
			b.debug.Stages = append(b.debug.Stages, sd)
		}
	}
	return nil
}

// scanDocumentDelegations is the second pass: submissions the user holds a
// document-scoped delegation for, whatever their document type.
func (b *inboxBuild) scanDocumentDelegations(ctx context.Context) error {
	dels := b.incoming(repository.ScopeDocument)
	for _, d := range dels {
		if d.ScopeID == nil {
			continue
		}
		subID := *d.ScopeID
		if _, done := b.items[subID]; done {
			continue
		}

		sub, err := b.s.stores.Submissions.GetByID(ctx, subID)
		if errors.HasCode(err, errors.ErrCodeNotFound) {
			b.skip(subID, 0, SourceDocumentDelegation, "submission not found")
			continue
		}
		if err != nil {
			return err
		}
		if sub.Status != repository.StatusSubmitted {
			b.skip(subID, 0, SourceDocumentDelegation, "submission is "+string(sub.Status))
			continue
		}

		wfID, current, err := b.locate(ctx, sub, nil)
		if err != nil {
			return err
		}
		if current == nil {
			b.skip(subID, 0, SourceDocumentDelegation, "current stage could not be determined")
			continue
		}
		if err := b.considerNominal(ctx, sub, wfID, current, []string{d.FromUserID}, SourceDocumentDelegation); err != nil {
			return err
		}
	}
	return nil
}

// scanGlobalDelegations is the third pass: with a global delegation, every
// Submitted submission is a candidate.
func (b *inboxBuild) scanGlobalDelegations(ctx context.Context) error {
	dels := b.incoming(repository.ScopeGlobal)
	if len(dels) == 0 {
		return nil
	}
	froms := make([]string, 0, len(dels))
	for _, d := range dels {
		froms = append(froms, d.FromUserID)
	}

	subs, err := b.s.stores.Submissions.ListSubmitted(ctx)
	if err != nil {
		return err
	}
	var pending []*repository.Submission
	for _, sub := range subs {
		if _, done := b.items[sub.ID]; !done {
			pending = append(pending, sub)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	histories, err := b.s.stores.History.ListBySubmissions(ctx, submissionIDs(pending))
	if err != nil {
		return err
	}

	for _, sub := range pending {
		wfID, current, err := b.locate(ctx, sub, histories[sub.ID])
		if err != nil {
			return err
		}
		if current == nil {
			b.skip(sub.ID, 0, SourceGlobalDelegation, "current stage could not be determined")
			continue
		}
		if err := b.considerNominal(ctx, sub, wfID, current, froms, SourceGlobalDelegation); err != nil {
			return err
		}
	}
	return nil
}

// incoming returns the actor's incoming delegations of one scope by id.
func (b *inboxBuild) incoming(scope repository.DelegationScope) []*repository.Delegation {
	var out []*repository.Delegation
	for _, d := range b.actor.incoming {
		if d.Scope == scope {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// considerNominal adds the submission when one of the delegating users is
// a genuine approver of its current stage and the actor is authorized.
func (b *inboxBuild) considerNominal(ctx context.Context, sub *repository.Submission, wfID int64, current *repository.Stage, froms []string, source InboxSource) error {
	set, err := b.setFor(ctx, current)
	if err != nil {
		return err
	}
	if set == nil {
		b.skip(sub.ID, current.ID, source, "stage approvers could not be resolved")
		return nil
	}

	nominal := false
	for _, from := range froms {
		if set.HasNominal(from) || set.HasNominal(b.s.resolver.ids.Normalize(ctx, from)) {
			nominal = true
			break
		}
	}
	if !nominal {
		b.skip(sub.ID, current.ID, source, "delegating user is not an approver of the current stage")
		return nil
	}
	return b.consider(ctx, sub, wfID, current, source)
}

// consider authorizes the actor for the submission at current and records
// the item on success.
func (b *inboxBuild) consider(ctx context.Context, sub *repository.Submission, wfID int64, current *repository.Stage, source InboxSource) error {
	if _, done := b.items[sub.ID]; done {
		return nil
	}
	set, err := b.setFor(ctx, current)
	if err != nil {
		return err
	}
	if set == nil {
		b.skip(sub.ID, current.ID, source, "stage approvers could not be resolved")
		return nil
	}

	auth, err := b.s.resolver.authorize(ctx, set, b.actor, &sub.ID)
	if err != nil {
		return err
	}
	if !auth.Allowed {
		if source != SourceStage {
			b.skip(sub.ID, current.ID, source, "delegation does not apply to this submission")
		}
		return nil
	}

	b.items[sub.ID] = InboxItem{
		SubmissionID:   sub.ID,
		DocumentNumber: sub.DocumentNumber,
		DocumentTypeID: sub.DocumentTypeID,
		WorkflowID:     wfID,
		StageID:        current.ID,
		StageName:      current.Name,
		Approvers:      set.UserIDs,
		IsDelegated:    auth.Delegated,
		DelegatedFrom:  auth.OnBehalfOf,
		Source:         source,
		SubmittedBy:    sub.SubmittedBy,
		SubmittedAt:    sub.SubmittedAt,
	}
	return nil
}

// locate finds the submission's governing workflow and infers its current
// stage from history. history may be nil, in which case it is loaded on demand.
func (b *inboxBuild) locate(ctx context.Context, sub *repository.Submission, history []*repository.HistoryEntry) (int64, *repository.Stage, error) {
	wf, err := b.workflowFor(ctx, sub.DocumentTypeID)
	if err != nil || wf == nil {
		return 0, nil, err
	}
	stages, err := b.stagesFor(ctx, wf.ID)
	if err != nil {
		return 0, nil, err
	}

	if history == nil {
		history, err = b.s.stores.History.ListBySubmission(ctx, sub.ID)
		if err != nil {
			return 0, nil, err
		}
	}
	return wf.ID, InferCurrentStage(stages, history), nil
}

func (b *inboxBuild) workflowFor(ctx context.Context, documentTypeID int64) (*repository.Workflow, error) {
	if wf, ok := b.workflows[documentTypeID]; ok {
		return wf, nil
	}
	wf, err := b.s.stores.Workflows.GetWorkflowForDocumentType(ctx, documentTypeID)
	if errors.HasCode(err, errors.ErrCodeNotFound) {
		wf, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.workflows[documentTypeID] = wf
	return wf, nil
}

func (b *inboxBuild) stagesFor(ctx context.Context, workflowID int64) ([]*repository.Stage, error) {
	if stages, ok := b.stages[workflowID]; ok {
		return stages, nil
	}
	stages, err := b.s.stores.Workflows.ListActiveStagesByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	b.stages[workflowID] = stages
	return stages, nil
}

// setFor returns the cached stage-level approver set, or nil when the
// stage has no resolvable approvers.
func (b *inboxBuild) setFor(ctx context.Context, stage *repository.Stage) (*ApproverSet, error) {
	if set, ok := b.sets[stage.ID]; ok {
		return set, nil
	}
	if _, failed := b.setErrs[stage.ID]; failed {
		return nil, nil
	}
	set, err := b.s.resolver.ResolveForStage(ctx, stage, nil)
	if errors.IsResolutionFailure(err) {
		b.setErrs[stage.ID] = err
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.sets[stage.ID] = set
	return set, nil
}

func (b *inboxBuild) skip(submissionID, stageID int64, pass InboxSource, reason string) {
	if b.debug == nil {
		return
	}
	b.debug.Skipped = append(b.debug.Skipped, SkippedSubmission{
		SubmissionID: submissionID,
		StageID:      stageID,
		Pass:         pass,
		Reason:       reason,
	})
}

func submissionIDs(subs []*repository.Submission) []int64 {
	ids := make([]int64, len(subs))
	for i, sub := range subs {
		ids[i] = sub.ID
	}
	return ids
}
