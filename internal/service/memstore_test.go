package service

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// memStore is an in-memory implementation of every store the services use.
type memStore struct {
	mu sync.Mutex

	clock *clocktesting.FakeClock

	workflows   map[int64]*repository.Workflow
	stages      map[int64]*repository.Stage
	assignees   []*repository.StageAssignee
	delegations []*repository.Delegation
	submissions map[int64]*repository.Submission
	docTypes    map[int64]*repository.DocumentType
	series      map[int64]*repository.DocumentSeries
	fields      map[int64]map[string]string
	history     []*repository.HistoryEntry
	users       []*repository.User
	roles       map[string]bool
	roleMembers map[string][]string
	events      []repository.OutboxEvent

	nextID       int64
	beforeCommit func()
}

func newMemStore(clk *clocktesting.FakeClock) *memStore {
	return &memStore{
		clock:       clk,
		workflows:   map[int64]*repository.Workflow{},
		stages:      map[int64]*repository.Stage{},
		submissions: map[int64]*repository.Submission{},
		docTypes:    map[int64]*repository.DocumentType{},
		series:      map[int64]*repository.DocumentSeries{},
		fields:      map[int64]map[string]string{},
		roles:       map[string]bool{},
		roleMembers: map[string][]string{},
		nextID:      1000,
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// ── seeding helpers ───────────────────────────────────────────────────────────

func (m *memStore) addWorkflow(name string) *repository.Workflow {
	wf := &repository.Workflow{ID: m.id(), Name: name, IsActive: true}
	m.workflows[wf.ID] = wf
	return wf
}

func (m *memStore) addStage(wf *repository.Workflow, order int, name string, final bool) *repository.Stage {
	st := &repository.Stage{ID: m.id(), WorkflowID: wf.ID, StageOrder: order, Name: name, IsActive: true, IsFinalStage: final}
	m.stages[st.ID] = st
	return st
}

func (m *memStore) assignUser(st *repository.Stage, user string) {
	u := user
	m.assignees = append(m.assignees, &repository.StageAssignee{ID: m.id(), StageID: st.ID, UserID: &u, IsActive: true})
}

func (m *memStore) assignRole(st *repository.Stage, role string) {
	r := role
	m.assignees = append(m.assignees, &repository.StageAssignee{ID: m.id(), StageID: st.ID, RoleID: &r, IsActive: true})
}

func (m *memStore) addDocType(code string, wf *repository.Workflow, generateOn repository.NumberTrigger) *repository.DocumentType {
	series := &repository.DocumentSeries{ID: m.id(), Code: code, Prefix: code + "-", NextNumber: 1, Padding: 4, GenerateOn: generateOn, IsActive: true}
	m.series[series.ID] = series
	dt := &repository.DocumentType{ID: m.id(), Code: code, Name: code, SeriesID: series.ID}
	if wf != nil {
		dt.WorkflowID = &wf.ID
	}
	m.docTypes[dt.ID] = dt
	return dt
}

func (m *memStore) addSubmission(dt *repository.DocumentType, status repository.SubmissionStatus, stage *repository.Stage) *repository.Submission {
	sub := &repository.Submission{
		ID:             m.id(),
		DocumentTypeID: dt.ID,
		SeriesID:       dt.SeriesID,
		Status:         status,
		DocumentNumber: "DRAFT-1",
		SubmittedBy:    "1",
		CreatedAt:      m.clock.Now(),
		UpdatedAt:      m.clock.Now(),
	}
	if stage != nil {
		sub.CurrentStageID = &stage.ID
	}
	m.submissions[sub.ID] = sub
	return sub
}

func (m *memStore) setField(sub *repository.Submission, code, value string) {
	if m.fields[sub.ID] == nil {
		m.fields[sub.ID] = map[string]string{}
	}
	m.fields[sub.ID][strings.ToLower(strings.TrimSpace(code))] = value
}

func (m *memStore) addUser(id, login, email string) {
	m.users = append(m.users, &repository.User{ID: id, Login: login, Email: email, DisplayName: strings.ToUpper(login), IsActive: true})
}

func (m *memStore) addRole(role string, active bool, members ...string) {
	m.roles[strings.ToLower(role)] = active
	m.roleMembers[strings.ToLower(role)] = members
}

func (m *memStore) delegate(from, to string, scope repository.DelegationScope, scopeID *int64) *repository.Delegation {
	now := m.clock.Now()
	d := &repository.Delegation{
		ID:         m.id(),
		FromUserID: from,
		ToUserID:   to,
		StartsAt:   now.Add(-time.Hour),
		EndsAt:     now.Add(24 * time.Hour),
		IsActive:   true,
		Scope:      scope,
		ScopeID:    scopeID,
	}
	m.delegations = append(m.delegations, d)
	return d
}

func (m *memStore) addHistory(sub *repository.Submission, st *repository.Stage, action repository.HistoryAction, by string) {
	m.clock.Step(time.Second)
	m.history = append(m.history, &repository.HistoryEntry{
		ID: m.id(), SubmissionID: sub.ID, StageID: st.ID, Action: action, ActionByUserID: by, ActionAt: m.clock.Now(),
	})
}

func (m *memStore) historyOf(submissionID int64) []*repository.HistoryEntry {
	out, _ := m.ListBySubmission(context.Background(), submissionID)
	return out
}

func (m *memStore) submission(id int64) *repository.Submission {
	s, _ := m.GetByID(context.Background(), id)
	return s
}

func (m *memStore) eventKinds() []repository.OutboxEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]repository.OutboxEventKind, len(m.events))
	for i, e := range m.events {
		out[i] = e.Kind
	}
	return out
}

// ── WorkflowStore ─────────────────────────────────────────────────────────────

func (m *memStore) GetWorkflow(_ context.Context, id int64) (*repository.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wf, ok := m.workflows[id]; ok {
		c := *wf
		return &c, nil
	}
	return nil, errors.NotFound("workflow", id)
}

func (m *memStore) GetWorkflowForDocumentType(_ context.Context, documentTypeID int64) (*repository.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dt, ok := m.docTypes[documentTypeID]; ok && dt.WorkflowID != nil {
		if wf, ok := m.workflows[*dt.WorkflowID]; ok {
			c := *wf
			return &c, nil
		}
	}
	best := m.newestLegacyLocked(documentTypeID)
	if best == nil {
		return nil, errors.NotFound("workflow for document type", documentTypeID)
	}
	c := *best
	return &c, nil
}

func (m *memStore) newestLegacyLocked(documentTypeID int64) *repository.Workflow {
	var best *repository.Workflow
	for _, wf := range m.workflows {
		if wf.IsActive && wf.DocumentTypeID != nil && *wf.DocumentTypeID == documentTypeID {
			if best == nil || wf.ID > best.ID {
				best = wf
			}
		}
	}
	return best
}

func (m *memStore) GetStage(_ context.Context, id int64) (*repository.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stages[id]; ok {
		c := *st
		return &c, nil
	}
	return nil, errors.NotFound("stage", id)
}

func (m *memStore) ListActiveStages(_ context.Context) ([]*repository.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Stage
	for _, st := range m.stages {
		if wf := m.workflows[st.WorkflowID]; st.IsActive && wf != nil && wf.IsActive {
			c := *st
			out = append(out, &c)
		}
	}
	sortStages(out)
	return out, nil
}

func (m *memStore) ListActiveStagesByWorkflow(_ context.Context, workflowID int64) ([]*repository.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Stage
	for _, st := range m.stages {
		if st.IsActive && st.WorkflowID == workflowID {
			c := *st
			out = append(out, &c)
		}
	}
	sortStages(out)
	return out, nil
}

func sortStages(stages []*repository.Stage) {
	sort.Slice(stages, func(i, j int) bool {
		if stages[i].WorkflowID != stages[j].WorkflowID {
			return stages[i].WorkflowID < stages[j].WorkflowID
		}
		return stages[i].StageOrder < stages[j].StageOrder
	})
}

// ── AssigneeStore ─────────────────────────────────────────────────────────────

func (m *memStore) ListActiveByStage(_ context.Context, stageID int64) ([]*repository.StageAssignee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.StageAssignee
	for _, a := range m.assignees {
		if a.StageID == stageID && a.IsActive {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── DelegationStore ───────────────────────────────────────────────────────────

func matchesAny(value string, forms []string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	for _, f := range forms {
		if v == strings.ToLower(strings.TrimSpace(f)) {
			return true
		}
	}
	return false
}

func (m *memStore) ListActiveFrom(_ context.Context, fromUsers []string, now time.Time) ([]*repository.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range m.delegations {
		if d.ActiveAt(now) && matchesAny(d.FromUserID, fromUsers) {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memStore) ListActiveTo(_ context.Context, toUsers []string, scope repository.DelegationScope, now time.Time) ([]*repository.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range m.delegations {
		if d.ActiveAt(now) && matchesAny(d.ToUserID, toUsers) && (scope == "" || d.Scope == scope) {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

// ── SubmissionStore ───────────────────────────────────────────────────────────

func (m *memStore) GetByID(_ context.Context, id int64) (*repository.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.submissions[id]; ok {
		c := *sub
		return &c, nil
	}
	return nil, errors.NotFound("submission", id)
}

func (m *memStore) ListSubmittedByWorkflow(_ context.Context, workflowID int64) ([]*repository.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Submission
	for _, sub := range m.submissions {
		if sub.Status != repository.StatusSubmitted {
			continue
		}
		dt := m.docTypes[sub.DocumentTypeID]
		linked := dt.WorkflowID != nil && *dt.WorkflowID == workflowID
		if dt.WorkflowID == nil {
			if wf := m.newestLegacyLocked(dt.ID); wf != nil && wf.ID == workflowID {
				linked = true
			}
		}
		if linked {
			c := *sub
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListSubmitted(_ context.Context) ([]*repository.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.Submission
	for _, sub := range m.submissions {
		if sub.Status == repository.StatusSubmitted {
			c := *sub
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetFieldValue(_ context.Context, submissionID int64, fieldCode string) (*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.fields[submissionID][strings.ToLower(strings.TrimSpace(fieldCode))]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *memStore) GetDocumentType(_ context.Context, id int64) (*repository.DocumentType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dt, ok := m.docTypes[id]; ok {
		c := *dt
		return &c, nil
	}
	return nil, errors.NotFound("document type", id)
}

// ── SeriesStore ───────────────────────────────────────────────────────────────

func (m *memStore) GetSeries(_ context.Context, id int64) (*repository.DocumentSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, errors.NotFound("document series", id)
}

// ── HistoryStore ──────────────────────────────────────────────────────────────

func (m *memStore) ListBySubmission(_ context.Context, submissionID int64) ([]*repository.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyLocked(submissionID), nil
}

func (m *memStore) historyLocked(submissionID int64) []*repository.HistoryEntry {
	var out []*repository.HistoryEntry
	for _, h := range m.history {
		if h.SubmissionID == submissionID {
			c := *h
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ActionAt.Equal(out[j].ActionAt) {
			return out[i].ActionAt.After(out[j].ActionAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *memStore) ListBySubmissions(_ context.Context, submissionIDs []int64) (map[int64][]*repository.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[int64][]*repository.HistoryEntry{}
	for _, id := range submissionIDs {
		if h := m.historyLocked(id); len(h) > 0 {
			out[id] = h
		}
	}
	return out, nil
}

// ── IdentityProvider ──────────────────────────────────────────────────────────

func (m *memStore) ActiveRoleMembers(_ context.Context, roleIDs []string) (repository.RoleMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res repository.RoleMembership
	for _, r := range roleIDs {
		k := strings.ToLower(strings.TrimSpace(r))
		active, ok := m.roles[k]
		if !ok || !active {
			continue
		}
		res.ActiveRolesFound++
		res.UserIDs = append(res.UserIDs, m.roleMembers[k]...)
	}
	return res, nil
}

func (m *memStore) ResolveLogin(_ context.Context, login string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Login, strings.TrimSpace(login)) {
			return u.ID, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) GetUser(_ context.Context, idOrLogin string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.TrimSpace(idOrLogin)
	for _, u := range m.users {
		if u.ID == key || strings.EqualFold(u.Login, key) {
			c := *u
			return &c, nil
		}
	}
	return nil, errors.NotFound("user", idOrLogin)
}

// ── TransitionCommitter ───────────────────────────────────────────────────────

func (m *memStore) Commit(_ context.Context, t *repository.Transition) error {
	if m.beforeCommit != nil {
		m.beforeCommit()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.submissions[t.Submission.ID]
	if !ok {
		return errors.NotFound("submission", t.Submission.ID)
	}
	if stored.Version != t.ExpectedVersion {
		return errors.Conflict("state changed, reload the submission and retry")
	}

	next := *t.Submission
	next.Version = stored.Version + 1
	next.UpdatedAt = m.clock.Now()
	m.submissions[next.ID] = &next
	t.Submission.Version = next.Version

	if h := t.History; h != nil {
		m.clock.Step(time.Second)
		h.ID = m.id()
		h.ActionAt = m.clock.Now()
		c := *h
		m.history = append(m.history, &c)
		for i := range t.Events {
			t.Events[i].HistoryID = h.ID
		}
	}
	m.events = append(m.events, t.Events...)
	return nil
}

// ── collaborator fakes ────────────────────────────────────────────────────────

type fakeNumberer struct {
	calls  int
	result *repository.NumberResult
	err    error
}

func (f *fakeNumberer) GenerateNumber(_ context.Context, _ int64, _ repository.NumberTrigger, _ string) (*repository.NumberResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &repository.NumberResult{Success: true, Number: "DOC-0001"}, nil
}

type fakeSignatures struct {
	mu       sync.Mutex
	requests []client.SignatureRequest
	fail     map[string]bool // by email
	err      error
}

func (f *fakeSignatures) RequestSignature(_ context.Context, req client.SignatureRequest) (*client.SignatureResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.fail[req.SignerEmail] {
		return &client.SignatureResult{Error: "mailbox rejected"}, nil
	}
	return &client.SignatureResult{Success: true, EnvelopeID: "env-" + req.SignerEmail}, nil
}

type fakeFallback struct {
	mu    sync.Mutex
	calls int
	ids   []string
	err   error
}

func (f *fakeFallback) RoleMembers(_ context.Context, _ []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ids, f.err
}

// ── fixture ───────────────────────────────────────────────────────────────────

type fixture struct {
	store      *memStore
	clock      *clocktesting.FakeClock
	numberer   *fakeNumberer
	signatures *fakeSignatures
	fallback   *fakeFallback

	ids         *UserIDNormalizer
	delegations *DelegationResolver
	resolver    *ApproverResolver
	approvals   *ApprovalService
	inbox       *InboxService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clocktesting.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	store := newMemStore(clk)
	f := &fixture{
		store:      store,
		clock:      clk,
		numberer:   &fakeNumberer{},
		signatures: &fakeSignatures{fail: map[string]bool{}},
		fallback:   &fakeFallback{},
	}
	f.wire()
	return f
}

// wire builds the services; call again after swapping a collaborator.
func (f *fixture) wire() {
	log := logger.Nop()
	stores := Stores{
		Workflows:   f.store,
		Assignees:   f.store,
		Delegations: f.store,
		Submissions: f.store,
		Series:      f.store,
		History:     f.store,
		Identity:    f.store,
	}

	var fallback RoleMemberFallback
	if f.fallback != nil {
		fallback = f.fallback
	}

	f.ids = NewUserIDNormalizer(f.store, log)
	f.delegations = NewDelegationResolver(f.store, f.ids, f.clock, log)
	f.resolver = NewApproverResolver(f.store, f.store, f.store, fallback, f.ids, f.delegations, log)
	signatures := NewSignatureDispatcher(f.store, f.store, f.store, f.resolver, f.signatures, log)
	f.approvals = NewApprovalService(stores, f.ids, f.delegations, f.resolver, signatures, f.numberer, f.store, f.clock, log)
	f.inbox = NewInboxService(stores, f.resolver, 4, f.clock, log)
}

// twoStage seeds the canonical workflow: stage A (order 1) assigned to
// user 10, stage B (order 2, final) assigned to user 20, and one Submitted
// submission at A with no history.
type twoStage struct {
	wf   *repository.Workflow
	a, b *repository.Stage
	dt   *repository.DocumentType
	sub  *repository.Submission
}

func (f *fixture) seedTwoStage() twoStage {
	s := f.store
	s.addUser("10", "anna", "anna@example.com")
	s.addUser("20", "ben", "ben@example.com")
	s.addUser("30", "xena", "xena@example.com")
	s.addUser("1", "sam", "sam@example.com")

	wf := s.addWorkflow("Purchase orders")
	a := s.addStage(wf, 1, "Manager", false)
	b := s.addStage(wf, 2, "Finance", true)
	s.assignUser(a, "10")
	s.assignUser(b, "20")
	dt := s.addDocType("PO", wf, repository.NumberOnApproval)
	sub := s.addSubmission(dt, repository.StatusSubmitted, a)
	return twoStage{wf: wf, a: a, b: b, dt: dt, sub: sub}
}

func ptr[T any](v T) *T {
	return &v
}
