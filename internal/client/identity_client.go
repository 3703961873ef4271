package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// IdentityClient queries the platform identity service for role members.
// It backs the secondary role lookup used when a role is unknown locally.
type IdentityClient struct {
	req     Requester
	subject string
}

type roleMembersRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type roleMembersReply struct {
	UserIDs []string `json:"user_ids"`
	Error   string   `json:"error,omitempty"`
}

// NewIdentityClient creates a client sending requests to subject.
func NewIdentityClient(req Requester, subject string) *IdentityClient {
	return &IdentityClient{req: req, subject: subject}
}

// RoleMembers returns the user ids the identity service reports for roleIDs.
func (c *IdentityClient) RoleMembers(ctx context.Context, roleIDs []string) ([]string, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}

	data, err := json.Marshal(roleMembersRequest{RoleIDs: roleIDs})
	if err != nil {
		return nil, fmt.Errorf("marshal role members request: %w", err)
	}

	reply, err := c.req.Request(ctx, c.subject, data)
	if err != nil {
		return nil, err
	}

	var res roleMembersReply
	if err := json.Unmarshal(reply, &res); err != nil {
		return nil, fmt.Errorf("decode role members reply: %w", err)
	}
	if res.Error != "" {
		return nil, errors.New(res.Error)
	}
	return res.UserIDs, nil
}
