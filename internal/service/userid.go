package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/pesio-ai/be-doc-approvals/internal/logger"
)

// UserIDNormalizer maps the identifier forms found in assignees, delegations
// and requests (numeric ids and logins) onto the canonical numeric id.
type UserIDNormalizer struct {
	identity IdentityProvider
	log      *logger.Logger
}

// NewUserIDNormalizer creates a new UserIDNormalizer.
func NewUserIDNormalizer(identity IdentityProvider, log *logger.Logger) *UserIDNormalizer {
	return &UserIDNormalizer{identity: identity, log: log}
}

// Normalize returns the canonical id for raw. Numeric input is returned
// as-is; a login is resolved through the identity provider. When the
// lookup fails the trimmed raw value is returned.
func (n *UserIDNormalizer) Normalize(ctx context.Context, raw string) string {
	id := strings.TrimSpace(raw)
	if id == "" || isNumericID(id) || n.identity == nil {
		return id
	}

	resolved, ok, err := n.identity.ResolveLogin(ctx, id)
	if err != nil {
		n.log.Warn().Err(err).Str("login", id).Msg("login lookup failed, using raw identifier")
		return id
	}
	if !ok {
		return id
	}
	return resolved
}

// Forms returns every identifier under which a user may be stored: the
// canonical id, the raw input and, for numeric input, the login.
func (n *UserIDNormalizer) Forms(ctx context.Context, raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	forms := []string{n.Normalize(ctx, raw), raw}
	if isNumericID(raw) && n.identity != nil {
		if u, err := n.identity.GetUser(ctx, raw); err == nil && u.Login != "" {
			forms = append(forms, u.Login)
		}
	}
	return dedupeIDs(forms)
}

func isNumericID(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// idKey is the comparison form of an identifier: trimmed and lower-cased.
func idKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func sameUser(a, b string) bool {
	ka := idKey(a)
	return ka != "" && ka == idKey(b)
}

// dedupeIDs drops blanks and case-insensitive duplicates, keeping the
// first spelling seen.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		k := idKey(id)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, id)
	}
	return out
}
