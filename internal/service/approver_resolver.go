package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// ApproverSet is the resolved set of users who may act on a stage.
type ApproverSet struct {
	StageID    int64    `json:"stage_id"`
	StageName  string   `json:"stage_name"`
	WorkflowID int64    `json:"workflow_id"`
	UserIDs    []string `json:"user_ids"`
	// Delegations maps a substituted delegate to the nominal approver.
	Delegations map[string]string `json:"delegations,omitempty"`

	members       map[string]struct{} // keys of users acting in their own right
	roleMembers   map[string]string   // key -> canonical id
	directUsers   map[string]string   // key of canonical or raw form -> canonical id
	delegatedFrom map[string]string   // key(delegate) -> nominal
	people        []string            // one canonical id per approver
}

// Contains reports whether user is in the set, directly or as a substituted delegate.
func (s *ApproverSet) Contains(user string) bool {
	k := idKey(user)
	if _, ok := s.members[k]; ok {
		return true
	}
	_, ok := s.delegatedFrom[k]
	return ok
}

// DelegatedFrom returns the nominal approver user was substituted for.
func (s *ApproverSet) DelegatedFrom(user string) (string, bool) {
	from, ok := s.delegatedFrom[idKey(user)]
	return from, ok
}

// HasNominal reports whether user is a configured approver of the stage,
// before any delegation is applied.
func (s *ApproverSet) HasNominal(user string) bool {
	k := idKey(user)
	if _, ok := s.roleMembers[k]; ok {
		return true
	}
	_, ok := s.directUsers[k]
	return ok
}

// nominals returns every nominal approver in a stable order.
func (s *ApproverSet) nominals() []string {
	out := make([]string, 0, len(s.roleMembers)+len(s.directUsers))
	for _, id := range s.directUsers {
		out = append(out, id)
	}
	for _, id := range s.roleMembers {
		out = append(out, id)
	}
	out = dedupeIDs(out)
	sort.Strings(out)
	return out
}

// ApproverResolver builds approver sets from stage assignees.
type ApproverResolver struct {
	workflows   WorkflowStore
	assignees   AssigneeStore
	identity    IdentityProvider
	fallback    RoleMemberFallback
	ids         *UserIDNormalizer
	delegations *DelegationResolver
	log         *logger.Logger
}

// NewApproverResolver creates a new ApproverResolver. fallback may be nil.
func NewApproverResolver(
	workflows WorkflowStore,
	assignees AssigneeStore,
	identity IdentityProvider,
	fallback RoleMemberFallback,
	ids *UserIDNormalizer,
	delegations *DelegationResolver,
	log *logger.Logger,
) *ApproverResolver {
	return &ApproverResolver{
		workflows:   workflows,
		assignees:   assignees,
		identity:    identity,
		fallback:    fallback,
		ids:         ids,
		delegations: delegations,
		log:         log,
	}
}

// ResolveApprovers loads the stage and resolves its approvers. submissionID
// is set when resolving for an action on a specific document, which lets
// document-scoped delegations apply.
func (r *ApproverResolver) ResolveApprovers(ctx context.Context, stageID int64, submissionID *int64) (*ApproverSet, error) {
	stage, err := r.workflows.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	return r.ResolveForStage(ctx, stage, submissionID)
}

// ResolveForStage resolves approvers for an already-loaded stage.
func (r *ApproverResolver) ResolveForStage(ctx context.Context, stage *repository.Stage, submissionID *int64) (*ApproverSet, error) {
	rows, err := r.assignees.ListActiveByStage(ctx, stage.ID)
	if err != nil {
		return nil, err
	}

	set := &ApproverSet{
		StageID:       stage.ID,
		StageName:     stage.Name,
		WorkflowID:    stage.WorkflowID,
		Delegations:   map[string]string{},
		members:       map[string]struct{}{},
		roleMembers:   map[string]string{},
		directUsers:   map[string]string{},
		delegatedFrom: map[string]string{},
	}

	var roleIDs, direct []string
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if row.IsDirectUser() {
			direct = append(direct, strings.TrimSpace(*row.UserID))
			continue
		}
		if row.RoleID != nil && strings.TrimSpace(*row.RoleID) != "" {
			roleIDs = append(roleIDs, strings.TrimSpace(*row.RoleID))
		}
	}
	roleIDs = dedupeIDs(roleIDs)

	var ordered []string
	add := func(id string, person bool) {
		ordered = append(ordered, id)
		if person {
			set.people = append(set.people, id)
		}
	}

	// Role expansion.
	members, err := r.expandRoles(ctx, stage, roleIDs)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		id := r.ids.Normalize(ctx, m)
		set.roleMembers[idKey(id)] = id
		set.members[idKey(id)] = struct{}{}
		add(id, true)
	}

	// Direct users, with the delegation overlay.
	for _, raw := range direct {
		id := r.ids.Normalize(ctx, raw)
		set.directUsers[idKey(id)] = id
		set.directUsers[idKey(raw)] = id

		d, err := r.delegations.ResolveDelegate(ctx, id, stage.WorkflowID, submissionID)
		if err != nil {
			return nil, err
		}
		if d != nil {
			set.delegatedFrom[idKey(d.ToUserID)] = id
			set.Delegations[d.ToUserID] = id
			add(d.ToUserID, true)
			continue
		}

		set.members[idKey(id)] = struct{}{}
		add(id, true)
		if !sameUser(raw, id) {
			// Raw form kept for matching callers that still send logins.
			set.members[idKey(raw)] = struct{}{}
			add(raw, false)
		}
	}

	set.UserIDs = dedupeIDs(ordered)

	if len(set.UserIDs) == 0 {
		return nil, errors.New(errors.ErrCodeNoApprovers,
			fmt.Sprintf("no approvers resolved for stage %q", stage.Name))
	}
	if required := stage.MinimumRequiredAssignees; required != nil {
		if n := distinctApprovers(set); n < *required {
			return nil, errors.New(errors.ErrCodeInsufficientApprovers,
				fmt.Sprintf("stage %q requires %d approvers, %d resolved", stage.Name, *required, n))
		}
	}
	return set, nil
}

// distinctApprovers counts people, not identifier spellings: a raw login
// kept next to its numeric id counts once.
func distinctApprovers(set *ApproverSet) int {
	return len(dedupeIDs(set.people))
}

// expandRoles returns the active members of the given roles. The secondary
// source is consulted only when no active role matched at all; an active
// role without members is a deliberate configuration and stays empty.
func (r *ApproverResolver) expandRoles(ctx context.Context, stage *repository.Stage, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	m, err := r.identity.ActiveRoleMembers(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	if len(m.UserIDs) > 0 || m.ActiveRolesFound > 0 || r.fallback == nil {
		return m.UserIDs, nil
	}

	ids, err := r.fallback.RoleMembers(ctx, roleIDs)
	if err != nil {
		r.log.Warn().Err(err).
			Int64("stage_id", stage.ID).
			Strs("role_ids", roleIDs).
			Msg("secondary role lookup failed")
		return nil, nil
	}
	r.log.Info().
		Int64("stage_id", stage.ID).
		Strs("role_ids", roleIDs).
		Int("members", len(ids)).
		Msg("roles resolved through secondary identity source")
	return ids, nil
}

// ── Authorization ─────────────────────────────────────────────────────────────

// actor is a requesting user with their delegations preloaded.
type actor struct {
	ID    string
	forms []string
	// outgoing are the actor's own grants to others.
	outgoing []*repository.Delegation
	// incomingFrom holds keys of users who granted the actor a delegation.
	incomingFrom map[string]struct{}
	incoming     []*repository.Delegation
}

// loadActor normalizes userID and loads their delegations in both directions.
func (r *ApproverResolver) loadActor(ctx context.Context, userID string) (*actor, error) {
	a := &actor{
		ID:           r.ids.Normalize(ctx, userID),
		forms:        r.ids.Forms(ctx, userID),
		incomingFrom: map[string]struct{}{},
	}
	if a.ID == "" {
		return nil, errors.InvalidInput("user_id", "must not be empty")
	}

	var err error
	a.outgoing, err = r.delegations.store.ListActiveFrom(ctx, a.forms, r.delegations.clock.Now())
	if err != nil {
		return nil, err
	}
	a.incoming, err = r.delegations.ActiveTo(ctx, a.ID, "")
	if err != nil {
		return nil, err
	}
	for _, d := range a.incoming {
		a.incomingFrom[idKey(r.ids.Normalize(ctx, d.FromUserID))] = struct{}{}
		a.incomingFrom[idKey(d.FromUserID)] = struct{}{}
	}
	return a, nil
}

// authorization is how an actor is allowed to act on a stage.
type authorization struct {
	Allowed    bool
	Delegated  bool
	OnBehalfOf string
	Delegation *repository.Delegation
}

// authorize decides whether a may act on the set's stage for a submission.
//
// Role members act in their own right. A direct approver acts in their own
// right unless a delegation for this submission moved their authority to
// someone else. Anyone else must be the winning delegate of a nominal
// approver.
func (r *ApproverResolver) authorize(ctx context.Context, set *ApproverSet, a *actor, submissionID *int64) (authorization, error) {
	for _, f := range a.forms {
		if _, ok := set.roleMembers[idKey(f)]; ok {
			return authorization{Allowed: true}, nil
		}
	}
	for _, f := range a.forms {
		if _, ok := set.directUsers[idKey(f)]; ok {
			if r.delegations.choose(ctx, a.outgoing, a.ID, set.WorkflowID, submissionID) == nil {
				return authorization{Allowed: true}, nil
			}
			break
		}
	}

	if len(a.incomingFrom) == 0 {
		return authorization{}, nil
	}
	for _, nominal := range set.nominals() {
		if _, ok := a.incomingFrom[idKey(nominal)]; !ok {
			continue
		}
		if sameUser(nominal, a.ID) {
			continue
		}
		d, err := r.delegations.ResolveDelegate(ctx, nominal, set.WorkflowID, submissionID)
		if err != nil {
			return authorization{}, err
		}
		if d != nil && sameUser(d.ToUserID, a.ID) {
			canonical := nominal
			if id, ok := set.directUsers[idKey(nominal)]; ok {
				canonical = id
			}
			return authorization{Allowed: true, Delegated: true, OnBehalfOf: canonical, Delegation: d}, nil
		}
	}
	return authorization{}, nil
}
