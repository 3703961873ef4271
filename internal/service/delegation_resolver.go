package service

import (
	"context"
	"sort"
	"time"

	"k8s.io/utils/clock"

	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

// DelegationResolver picks the delegation, if any, through which another
// user acts for a nominal approver.
//
// Precedence is Document (exact submission) over Workflow over Global. Ties
// within a scope go to the latest StartsAt, then the highest id, so the
// result never depends on storage order.
type DelegationResolver struct {
	store DelegationStore
	ids   *UserIDNormalizer
	clock clock.PassiveClock
	log   *logger.Logger
}

// NewDelegationResolver creates a new DelegationResolver.
func NewDelegationResolver(store DelegationStore, ids *UserIDNormalizer, clk clock.PassiveClock, log *logger.Logger) *DelegationResolver {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &DelegationResolver{store: store, ids: ids, clock: clk, log: log}
}

// ResolveDelegate returns the winning delegation from fromUser for the given
// workflow and, in an action context, submission. The returned copy has
// ToUserID normalized. Nil means no delegation applies.
func (r *DelegationResolver) ResolveDelegate(ctx context.Context, fromUser string, workflowID int64, submissionID *int64) (*repository.Delegation, error) {
	forms := r.ids.Forms(ctx, fromUser)
	if len(forms) == 0 {
		return nil, nil
	}

	candidates, err := r.store.ListActiveFrom(ctx, forms, r.clock.Now())
	if err != nil {
		return nil, err
	}
	return r.choose(ctx, candidates, fromUser, workflowID, submissionID), nil
}

// ActiveTo returns delegations currently granted to any form of user,
// optionally restricted to one scope.
func (r *DelegationResolver) ActiveTo(ctx context.Context, user string, scope repository.DelegationScope) ([]*repository.Delegation, error) {
	forms := r.ids.Forms(ctx, user)
	if len(forms) == 0 {
		return nil, nil
	}
	return r.store.ListActiveTo(ctx, forms, scope, r.clock.Now())
}

// choose applies precedence to already-loaded candidates.
func (r *DelegationResolver) choose(ctx context.Context, candidates []*repository.Delegation, fromUser string, workflowID int64, submissionID *int64) *repository.Delegation {
	best := pickDelegation(candidates, workflowID, submissionID, r.clock.Now())
	if best == nil {
		return nil
	}

	out := *best
	out.ToUserID = r.ids.Normalize(ctx, best.ToUserID)
	if sameUser(out.ToUserID, r.ids.Normalize(ctx, fromUser)) {
		// A grant to oneself changes nothing.
		return nil
	}
	return &out
}

// pickDelegation is the pure precedence rule.
func pickDelegation(candidates []*repository.Delegation, workflowID int64, submissionID *int64, now time.Time) *repository.Delegation {
	var eligible []*repository.Delegation
	for _, d := range candidates {
		if d == nil || !d.ActiveAt(now) || scopeRank(d, workflowID, submissionID) == 0 {
			continue
		}
		eligible = append(eligible, d)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		ra, rb := scopeRank(a, workflowID, submissionID), scopeRank(b, workflowID, submissionID)
		if ra != rb {
			return ra > rb
		}
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.After(b.StartsAt)
		}
		return a.ID > b.ID
	})
	return eligible[0]
}

// scopeRank is 0 when the delegation does not apply.
func scopeRank(d *repository.Delegation, workflowID int64, submissionID *int64) int {
	switch d.Scope {
	case repository.ScopeDocument:
		if submissionID != nil && d.ScopeID != nil && *d.ScopeID == *submissionID {
			return 3
		}
	case repository.ScopeWorkflow:
		if d.ScopeID != nil && *d.ScopeID == workflowID {
			return 2
		}
	case repository.ScopeGlobal:
		return 1
	}
	return 0
}
