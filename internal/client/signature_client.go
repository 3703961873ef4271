package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// SignatureRequest asks the e-signature service to open an envelope for one signer.
type SignatureRequest struct {
	SubmissionID int64  `json:"submission_id"`
	StageID      int64  `json:"stage_id"`
	SignerEmail  string `json:"signer_email"`
	SignerName   string `json:"signer_name"`
	RequestedBy  string `json:"requested_by"`
}

// SignatureResult is the e-signature service's reply.
type SignatureResult struct {
	Success    bool   `json:"success"`
	EnvelopeID string `json:"envelope_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SignatureClient talks to the e-signature service over NATS request/reply.
type SignatureClient struct {
	req     Requester
	subject string
}

// NewSignatureClient creates a client sending requests to subject.
func NewSignatureClient(req Requester, subject string) *SignatureClient {
	return &SignatureClient{req: req, subject: subject}
}

// RequestSignature opens a signing envelope. A refusal by the service comes
// back as an unsuccessful result; transport failures return an error.
func (c *SignatureClient) RequestSignature(ctx context.Context, r SignatureRequest) (*SignatureResult, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal signature request: %w", err)
	}

	reply, err := c.req.Request(ctx, c.subject, data)
	if err != nil {
		return nil, err
	}

	var res SignatureResult
	if err := json.Unmarshal(reply, &res); err != nil {
		return nil, fmt.Errorf("decode signature reply: %w", err)
	}
	return &res, nil
}
