package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

// SignerResult is the outcome of one signer's envelope request.
type SignerResult struct {
	UserID     string `json:"user_id"`
	Email      string `json:"email,omitempty"`
	Success    bool   `json:"success"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SignatureOutcome reports envelope requests for every approver of a stage.
type SignatureOutcome struct {
	SubmissionID int64          `json:"submission_id"`
	StageID      int64          `json:"stage_id"`
	Requested    int            `json:"requested"`
	Signers      []SignerResult `json:"signers"`
}

// SignatureDispatcher asks the e-signature service to collect signatures
// from a stage's approvers.
type SignatureDispatcher struct {
	workflows   WorkflowStore
	submissions SubmissionStore
	identity    IdentityProvider
	resolver    *ApproverResolver
	signatures  SignatureService
	log         *logger.Logger
}

// NewSignatureDispatcher creates a new SignatureDispatcher.
func NewSignatureDispatcher(
	workflows WorkflowStore,
	submissions SubmissionStore,
	identity IdentityProvider,
	resolver *ApproverResolver,
	signatures SignatureService,
	log *logger.Logger,
) *SignatureDispatcher {
	return &SignatureDispatcher{
		workflows:   workflows,
		submissions: submissions,
		identity:    identity,
		resolver:    resolver,
		signatures:  signatures,
		log:         log,
	}
}

// RequestStageSignature opens one envelope per resolved approver of the
// stage. Individual failures are reported per signer; the call fails only
// when every request failed.
func (d *SignatureDispatcher) RequestStageSignature(ctx context.Context, submissionID, stageID int64, requestedBy string) (*SignatureOutcome, error) {
	if stageID <= 0 {
		return nil, errors.InvalidInput("stage_id", "must be positive")
	}
	stage, err := d.workflows.GetStage(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if !stage.RequiresSignature {
		return nil, errors.InvalidState(fmt.Sprintf("stage %q does not require a signature", stage.Name))
	}
	if _, err := d.submissions.GetByID(ctx, submissionID); err != nil {
		return nil, err
	}
	if d.signatures == nil {
		return nil, errors.New(errors.ErrCodeDependency, "signature service is not configured")
	}

	set, err := d.resolver.ResolveForStage(ctx, stage, &submissionID)
	if err != nil {
		return nil, err
	}

	out := &SignatureOutcome{SubmissionID: submissionID, StageID: stageID}
	for _, userID := range set.people {
		res := d.requestOne(ctx, submissionID, stageID, userID, requestedBy)
		if res.Success {
			out.Requested++
		}
		out.Signers = append(out.Signers, res)
	}

	if out.Requested == 0 {
		d.log.Warn().
			Int64("submission_id", submissionID).
			Int64("stage_id", stageID).
			Int("signers", len(out.Signers)).
			Msg("no signature envelope could be created")
		return nil, errors.New(errors.ErrCodeDependency, "signature requests failed for every approver")
	}

	d.log.Info().
		Int64("submission_id", submissionID).
		Int64("stage_id", stageID).
		Int("requested", out.Requested).
		Int("signers", len(out.Signers)).
		Msg("Signature envelopes requested")
	return out, nil
}

func (d *SignatureDispatcher) requestOne(ctx context.Context, submissionID, stageID int64, userID, requestedBy string) SignerResult {
	res := SignerResult{UserID: userID}

	user, err := d.identity.GetUser(ctx, userID)
	if err != nil {
		res.Error = errors.Message(err)
		return res
	}
	if user.Email == "" {
		res.Error = "user has no email address"
		return res
	}
	res.Email = user.Email

	reply, err := d.signatures.RequestSignature(ctx, client.SignatureRequest{
		SubmissionID: submissionID,
		StageID:      stageID,
		SignerEmail:  user.Email,
		SignerName:   user.DisplayName,
		RequestedBy:  requestedBy,
	})
	if err != nil {
		d.log.Warn().Err(err).
			Int64("submission_id", submissionID).
			Str("signer", userID).
			Msg("signature request failed")
		res.Error = "signature service unavailable"
		return res
	}
	res.Success = reply.Success
	res.EnvelopeID = reply.EnvelopeID
	res.Error = reply.Error
	return res
}
