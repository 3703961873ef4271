package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/metrics"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
)

func approve(sub, stage int64, user string) ActionRequest {
	return ActionRequest{SubmissionID: sub, StageID: stage, Action: ActionApprove, ActingUserID: user}
}

// ── ProcessAction ─────────────────────────────────────────────────────────────

func TestProcessAction_ApproveThroughWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	out, err := f.approvals.ProcessAction(ctx, ActionRequest{
		SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: "Approve", ActingUserID: "anna", Comment: "looks fine",
	})
	require.NoError(t, err)
	assert.Equal(t, "Submitted", out.Status)
	require.NotNil(t, out.CurrentStageID)
	assert.Equal(t, ts.b.ID, *out.CurrentStageID)
	assert.Equal(t, repository.ActionApproved, out.Action)
	assert.Equal(t, "10", out.EffectiveActor)
	assert.Equal(t, 1, out.Version)

	history := f.store.historyOf(ts.sub.ID)
	require.Len(t, history, 1)
	assert.Equal(t, ts.a.ID, history[0].StageID)
	assert.Equal(t, "10", history[0].ActionByUserID)
	assert.Equal(t, "looks fine", history[0].Comment)
	assert.Nil(t, history[0].OnBehalfOfUserID)
	assert.Equal(t, history[0].ID, out.HistoryID)

	assert.Equal(t, []repository.OutboxEventKind{repository.EventApproved, repository.EventApprovalRequired}, f.store.eventKinds())
	assert.Equal(t, []string{"1"}, f.store.events[0].Recipients)
	assert.Equal(t, []string{"20"}, f.store.events[1].Recipients)
	assert.Equal(t, ts.b.ID, f.store.events[1].StageID)
	assert.Equal(t, history[0].ID, f.store.events[0].HistoryID)

	out, err = f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.b.ID, "20"))
	require.NoError(t, err)
	assert.Equal(t, "Approved", out.Status)
	assert.Nil(t, out.CurrentStageID)
	assert.Equal(t, "DOC-0001", out.DocumentNumber)
	assert.Equal(t, 1, f.numberer.calls)

	sub := f.store.submission(ts.sub.ID)
	assert.Equal(t, repository.StatusApproved, sub.Status)
	assert.Nil(t, sub.CurrentStageID)
	assert.Equal(t, "DOC-0001", sub.DocumentNumber)
	assert.Equal(t, 2, sub.Version)

	history = f.store.historyOf(ts.sub.ID)
	require.Len(t, history, 2)
	assert.Equal(t, ts.b.ID, history[0].StageID)
	assert.Equal(t, ts.a.ID, history[1].StageID)
}

func TestProcessAction_KeepsIssuedNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	sub := f.store.addSubmission(ts.dt, repository.StatusSubmitted, ts.b)
	f.store.addHistory(sub, ts.a, repository.ActionApproved, "10")
	f.store.submissions[sub.ID].DocumentNumber = "PO-0007"

	out, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.b.ID, "20"))
	require.NoError(t, err)
	assert.Equal(t, "PO-0007", out.DocumentNumber)
	assert.Zero(t, f.numberer.calls)
}

func TestProcessAction_Reject(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	out, err := f.approvals.ProcessAction(ctx, ActionRequest{
		SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: ActionReject, ActingUserID: "10", Comment: "missing receipt",
	})
	require.NoError(t, err)
	assert.Equal(t, "Rejected", out.Status)
	require.NotNil(t, out.CurrentStageID)
	assert.Equal(t, ts.a.ID, *out.CurrentStageID)

	history := f.store.historyOf(ts.sub.ID)
	require.Len(t, history, 1)
	assert.Equal(t, repository.ActionRejected, history[0].Action)
	assert.Equal(t, []repository.OutboxEventKind{repository.EventRejected}, f.store.eventKinds())

	_, err = f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestProcessAction_Return(t *testing.T) {
	ctx := context.Background()

	t.Run("from the first stage goes back to draft", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()

		out, err := f.approvals.ProcessAction(ctx, ActionRequest{
			SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: ActionReturn, ActingUserID: "10",
		})
		require.NoError(t, err)
		assert.Equal(t, "Draft", out.Status)
		assert.Nil(t, out.CurrentStageID)
		assert.Equal(t, []repository.OutboxEventKind{repository.EventReturned}, f.store.eventKinds())
	})

	t.Run("from a later stage goes back one stage", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
		require.NoError(t, err)

		out, err := f.approvals.ProcessAction(ctx, ActionRequest{
			SubmissionID: ts.sub.ID, StageID: ts.b.ID, Action: ActionReturn, ActingUserID: "20",
		})
		require.NoError(t, err)
		assert.Equal(t, "Submitted", out.Status)
		require.NotNil(t, out.CurrentStageID)
		assert.Equal(t, ts.a.ID, *out.CurrentStageID)

		kinds := f.store.eventKinds()
		assert.Equal(t, []repository.OutboxEventKind{
			repository.EventApproved, repository.EventApprovalRequired,
			repository.EventReturned, repository.EventApprovalRequired,
		}, kinds)

		history := f.store.historyOf(ts.sub.ID)
		require.Len(t, history, 2)
		assert.Equal(t, repository.ActionReturned, history[0].Action)
		assert.Equal(t, ts.b.ID, history[0].StageID)
	})
}

func TestProcessAction_Unauthorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "20"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	assert.Empty(t, f.store.historyOf(ts.sub.ID))
	assert.Zero(t, f.store.submission(ts.sub.ID).Version)
	assert.Empty(t, f.store.eventKinds())
}

func TestProcessAction_NotAtStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.b.ID, "20"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	assert.Empty(t, f.store.historyOf(ts.sub.ID))
}

func TestProcessAction_InferredStageWithoutCachedPointer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	sub := f.store.addSubmission(ts.dt, repository.StatusSubmitted, nil)
	f.store.addHistory(sub, ts.a, repository.ActionApproved, "10")

	_, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	out, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.b.ID, "20"))
	require.NoError(t, err)
	assert.Equal(t, "Approved", out.Status)
}

func TestProcessAction_HistoryOverridesStaleCachedStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	// The pointer claims B, but nothing was ever approved at A.
	sub := f.store.addSubmission(ts.dt, repository.StatusSubmitted, ts.b)

	_, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.b.ID, "20"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	items, err := f.inbox.GetInbox(ctx, "20")
	require.NoError(t, err)
	assert.NotContains(t, inboxIDs(items), sub.ID)

	items, err = f.inbox.GetInbox(ctx, "10")
	require.NoError(t, err)
	assert.Contains(t, inboxIDs(items), sub.ID)

	out, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.a.ID, "10"))
	require.NoError(t, err)
	require.NotNil(t, out.CurrentStageID)
	assert.Equal(t, ts.b.ID, *out.CurrentStageID)
}

func TestProcessAction_UnknownActionsShareOneMetricSeries(t *testing.T) {
	ctx := context.Background()
	metrics.Reset()
	t.Cleanup(metrics.Reset)

	f := newFixture(t)
	ts := f.seedTwoStage()

	for _, action := range []string{"x1", "x2", "x3", "zzz"} {
		_, err := f.approvals.ProcessAction(ctx, ActionRequest{
			SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: ActionKind(action), ActingUserID: "10",
		})
		require.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	}

	assert.Equal(t, 1, testutil.CollectAndCount(metrics.ActionsProcessed))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ActionsProcessed.WithLabelValues("unknown", "INVALID_INPUT")))

	_, err := f.approvals.ProcessAction(ctx, ActionRequest{
		SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: " Approved ", ActingUserID: "10",
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ActionsProcessed.WithLabelValues("approve", "ok")))
}

func TestProcessAction_WrongStatusOrWorkflow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)
	_, err := f.approvals.ProcessAction(ctx, approve(draft.ID, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	other := f.store.addWorkflow("Contracts")
	foreign := f.store.addStage(other, 1, "Legal", true)
	f.store.assignUser(foreign, "10")
	_, err = f.approvals.ProcessAction(ctx, approve(ts.sub.ID, foreign.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
}

func TestProcessAction_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, 0, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.approvals.ProcessAction(ctx, ActionRequest{SubmissionID: ts.sub.ID, StageID: ts.a.ID, Action: "escalate", ActingUserID: "10"})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, ""))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = f.approvals.ProcessAction(ctx, approve(424242, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	_, err = f.approvals.ProcessAction(ctx, approve(ts.sub.ID, 424242, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestProcessAction_AmountGateBlocksAdvance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	f.store.stages[ts.b.ID].MinAmount = ptr(100.0)
	f.store.stages[ts.b.ID].MaxAmount = ptr(500.0)
	f.store.stages[ts.b.ID].AmountFieldCode = ptr("total")
	f.store.setField(ts.sub, "TOTAL", "50")

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

	sub := f.store.submission(ts.sub.ID)
	assert.Equal(t, repository.StatusSubmitted, sub.Status)
	require.NotNil(t, sub.CurrentStageID)
	assert.Equal(t, ts.a.ID, *sub.CurrentStageID)
	assert.Zero(t, sub.Version)
	assert.Empty(t, f.store.historyOf(ts.sub.ID))
	assert.Empty(t, f.store.eventKinds())

	f.store.setField(ts.sub, "total", "250")
	out, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	require.NoError(t, err)
	assert.Equal(t, ts.b.ID, *out.CurrentStageID)
}

func TestProcessAction_NextStageWithoutApprovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	f.store.assignees = f.store.assignees[:1] // stage B loses its approver

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeNoApprovers))
	assert.Empty(t, f.store.historyOf(ts.sub.ID))
}

func TestProcessAction_NumberingFailureAborts(t *testing.T) {
	ctx := context.Background()

	for name, numberer := range map[string]*fakeNumberer{
		"error":        {err: stderrors.New("series locked")},
		"unsuccessful": {result: &repository.NumberResult{Error: "series inactive"}},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.numberer = numberer
			f.wire()
			ts := f.seedTwoStage()
			sub := f.store.addSubmission(ts.dt, repository.StatusSubmitted, ts.b)
			f.store.addHistory(sub, ts.a, repository.ActionApproved, "10")

			_, err := f.approvals.ProcessAction(ctx, approve(sub.ID, ts.b.ID, "20"))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeDependency))

			stored := f.store.submission(sub.ID)
			assert.Equal(t, repository.StatusSubmitted, stored.Status)
			assert.Equal(t, "DRAFT-1", stored.DocumentNumber)
			assert.Len(t, f.store.historyOf(sub.ID), 1)
		})
	}
}

func TestProcessAction_ConcurrentChangeConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	f.store.beforeCommit = func() {
		f.store.mu.Lock()
		f.store.submissions[ts.sub.ID].Version++
		f.store.mu.Unlock()
	}

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))
	assert.True(t, errors.IsRetriable(err))
	assert.Empty(t, f.store.historyOf(ts.sub.ID))
}

func TestProcessAction_DocumentDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	f.store.delegate("10", "30", repository.ScopeDocument, &ts.sub.ID)

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeUnauthorized))

	out, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "xena"))
	require.NoError(t, err)
	assert.Equal(t, repository.ActionApprovedDelegated, out.Action)
	assert.Equal(t, "30", out.EffectiveActor)
	assert.Equal(t, "10", out.OnBehalfOf)

	history := f.store.historyOf(ts.sub.ID)
	require.Len(t, history, 1)
	assert.Equal(t, "30", history[0].ActionByUserID)
	require.NotNil(t, history[0].OnBehalfOfUserID)
	assert.Equal(t, "10", *history[0].OnBehalfOfUserID)
}

func TestProcessAction_SignatureStageEnqueuesRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	f.store.stages[ts.b.ID].RequiresSignature = true

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	require.NoError(t, err)
	assert.Equal(t, []repository.OutboxEventKind{
		repository.EventApproved, repository.EventApprovalRequired, repository.EventSignatureRequest,
	}, f.store.eventKinds())
}

// ── ActivateFirstStage ────────────────────────────────────────────────────────

func TestActivateFirstStage(t *testing.T) {
	ctx := context.Background()

	t.Run("submits a draft", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		f.store.series[ts.dt.SeriesID].GenerateOn = repository.NumberOnSubmit
		f.store.stages[ts.a.ID].RequiresSignature = true
		draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)

		out, err := f.approvals.ActivateFirstStage(ctx, draft.ID, "sam")
		require.NoError(t, err)
		assert.Equal(t, ts.a.ID, out.StageID)
		assert.Equal(t, "Submitted", out.Status)
		assert.Equal(t, "DOC-0001", out.DocumentNumber)
		assert.Equal(t, []string{"10"}, out.Approvers)

		sub := f.store.submission(draft.ID)
		assert.Equal(t, repository.StatusSubmitted, sub.Status)
		assert.Equal(t, "1", sub.SubmittedBy)
		require.NotNil(t, sub.SubmittedAt)
		require.NotNil(t, sub.CurrentStageID)
		assert.Equal(t, ts.a.ID, *sub.CurrentStageID)
		assert.Empty(t, f.store.historyOf(draft.ID))

		assert.Equal(t, []repository.OutboxEventKind{
			repository.EventFormSubmitted, repository.EventApprovalRequired, repository.EventSignatureRequest,
		}, f.store.eventKinds())
	})

	t.Run("on approval series keeps the provisional number", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)

		out, err := f.approvals.ActivateFirstStage(ctx, draft.ID, "1")
		require.NoError(t, err)
		assert.Equal(t, "DRAFT-1", out.DocumentNumber)
		assert.Zero(t, f.numberer.calls)
	})

	t.Run("only drafts", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()

		_, err := f.approvals.ActivateFirstStage(ctx, ts.sub.ID, "1")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	})

	t.Run("inactive series", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		f.store.series[ts.dt.SeriesID].IsActive = false
		draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)

		_, err := f.approvals.ActivateFirstStage(ctx, draft.ID, "1")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	})

	t.Run("first stage without approvers", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		f.store.assignees = f.store.assignees[1:]
		draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)

		_, err := f.approvals.ActivateFirstStage(ctx, draft.ID, "1")
		assert.True(t, errors.HasCode(err, errors.ErrCodeNoApprovers))
		assert.Equal(t, repository.StatusDraft, f.store.submission(draft.ID).Status)
		assert.Empty(t, f.store.eventKinds())
	})

	t.Run("first stage amount gate", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		f.store.stages[ts.a.ID].MaxAmount = ptr(1000.0)
		f.store.stages[ts.a.ID].AmountFieldCode = ptr("total")
		draft := f.store.addSubmission(ts.dt, repository.StatusDraft, nil)
		f.store.setField(draft, "total", "1500")

		_, err := f.approvals.ActivateFirstStage(ctx, draft.ID, "1")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))
	})

	t.Run("missing acting user", func(t *testing.T) {
		f := newFixture(t)
		ts := f.seedTwoStage()

		_, err := f.approvals.ActivateFirstStage(ctx, ts.sub.ID, " ")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	})
}

// ── Signatures ────────────────────────────────────────────────────────────────

func TestRequestStageSignature(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, twoStage) {
		f := newFixture(t)
		ts := f.seedTwoStage()
		f.store.stages[ts.b.ID].RequiresSignature = true
		f.store.addUser("40", "dora", "dora@example.com")
		f.store.addRole("finance", true, "40", "41") // 41 has no user record
		f.store.assignRole(ts.b, "finance")
		return f, ts
	}

	t.Run("one envelope per approver", func(t *testing.T) {
		f, ts := setup(t)

		out, err := f.approvals.RequestStageSignature(ctx, ts.sub.ID, ts.b.ID, "anna")
		require.NoError(t, err)
		assert.Equal(t, 2, out.Requested)
		require.Len(t, out.Signers, 3)

		var failed []string
		for _, s := range out.Signers {
			if !s.Success {
				failed = append(failed, s.UserID)
			}
		}
		assert.Equal(t, []string{"41"}, failed)
		require.Len(t, f.signatures.requests, 2)
		assert.Equal(t, "10", f.signatures.requests[0].RequestedBy)
	})

	t.Run("service rejections are reported per signer", func(t *testing.T) {
		f, ts := setup(t)
		f.signatures.fail["ben@example.com"] = true

		out, err := f.approvals.RequestStageSignature(ctx, ts.sub.ID, ts.b.ID, "10")
		require.NoError(t, err)
		assert.Equal(t, 1, out.Requested)
	})

	t.Run("every request failed", func(t *testing.T) {
		f, ts := setup(t)
		f.signatures.err = stderrors.New("timeout")

		_, err := f.approvals.RequestStageSignature(ctx, ts.sub.ID, ts.b.ID, "10")
		assert.True(t, errors.HasCode(err, errors.ErrCodeDependency))
	})

	t.Run("stage without signature", func(t *testing.T) {
		f, ts := setup(t)

		_, err := f.approvals.RequestStageSignature(ctx, ts.sub.ID, ts.a.ID, "10")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidState))

		_, err = f.approvals.RequestStageSignature(ctx, ts.sub.ID, 0, "10")
		assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
	})
}

// ── Queries ───────────────────────────────────────────────────────────────────

func TestCheckDelegation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()
	d := f.store.delegate("10", "xena", repository.ScopeWorkflow, &ts.wf.ID)

	out, err := f.approvals.CheckDelegation(ctx, "anna", ts.wf.ID, nil)
	require.NoError(t, err)
	assert.True(t, out.Delegated)
	assert.Equal(t, "10", out.UserID)
	assert.Equal(t, "30", out.DelegateTo)
	assert.Equal(t, d.ID, out.DelegationID)
	assert.Equal(t, repository.ScopeWorkflow, out.Scope)
	require.NotNil(t, out.EndsAt)

	out, err = f.approvals.CheckDelegation(ctx, "20", ts.wf.ID, nil)
	require.NoError(t, err)
	assert.False(t, out.Delegated)

	_, err = f.approvals.CheckDelegation(ctx, "", ts.wf.ID, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestResolveApprovers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	set, err := f.approvals.ResolveApprovers(ctx, ts.b.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"20"}, set.UserIDs)
	assert.Equal(t, "Finance", set.StageName)

	_, err = f.approvals.ResolveApprovers(ctx, 0, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ts := f.seedTwoStage()

	_, err := f.approvals.ProcessAction(ctx, approve(ts.sub.ID, ts.a.ID, "10"))
	require.NoError(t, err)
	_, err = f.approvals.ProcessAction(ctx, ActionRequest{SubmissionID: ts.sub.ID, StageID: ts.b.ID, Action: ActionReturn, ActingUserID: "20"})
	require.NoError(t, err)

	history, err := f.approvals.GetHistory(ctx, ts.sub.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, repository.ActionReturned, history[0].Action)
	assert.Equal(t, repository.ActionApproved, history[1].Action)

	_, err = f.approvals.GetHistory(ctx, 424242)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}
