package repository

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// DelegationRepository queries delegation grants. Grants are managed
// administratively; the runtime only reads them.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, from_user_id, to_user_id, starts_at, ends_at, is_active,
	scope, scope_id, reason, created_at
`

// ListActiveFrom returns delegations granted by any of the given user
// identifier forms that are active at now. Matching ignores case and
// surrounding whitespace.
func (r *DelegationRepository) ListActiveFrom(ctx context.Context, fromUsers []string, now time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE is_active
		  AND starts_at <= $2 AND ends_at >= $2
		  AND lower(trim(from_user_id)) = ANY($1)
		ORDER BY id ASC
	`
	return r.query(ctx, query, lowerAll(fromUsers), now)
}

// ListActiveTo returns delegations granted to any of the given user forms
// that are active at now. An empty scope matches every scope.
func (r *DelegationRepository) ListActiveTo(ctx context.Context, toUsers []string, scope DelegationScope, now time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM approval_delegations
		WHERE is_active
		  AND starts_at <= $2 AND ends_at >= $2
		  AND lower(trim(to_user_id)) = ANY($1)
		  AND ($3 = '' OR scope = $3)
		ORDER BY id ASC
	`
	return r.query(ctx, query, lowerAll(toUsers), now, string(scope))
}

func (r *DelegationRepository) query(ctx context.Context, query string, args ...any) ([]*Delegation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

func (r *DelegationRepository) scanRows(rows pgx.Rows) ([]*Delegation, error) {
	var out []*Delegation
	for rows.Next() {
		d := &Delegation{}
		var scope string
		err := rows.Scan(
			&d.ID,
			&d.FromUserID,
			&d.ToUserID,
			&d.StartsAt,
			&d.EndsAt,
			&d.IsActive,
			&scope,
			&d.ScopeID,
			&d.Reason,
			&d.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		d.Scope = DelegationScope(scope)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query delegations")
	}
	return out, nil
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
