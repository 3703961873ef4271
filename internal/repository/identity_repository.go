package repository

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/errors"
)

// IdentityRepository is the primary identity provider: users, roles and
// role memberships stored alongside the workflow data.
type IdentityRepository struct {
	db *database.DB
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(db *database.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

// ActiveRoleMembers expands roles to the ids of their active members.
// Only active roles and active memberships of active users count.
func (r *IdentityRepository) ActiveRoleMembers(ctx context.Context, roleIDs []string) (RoleMembership, error) {
	var m RoleMembership
	keys := lowerAll(roleIDs)
	if len(keys) == 0 {
		return m, nil
	}

	countQuery := `
		SELECT COUNT(*)
		FROM app_roles
		WHERE is_active AND lower(trim(id)) = ANY($1)
	`
	if err := r.db.QueryRow(ctx, countQuery, keys).Scan(&m.ActiveRolesFound); err != nil {
		return m, errors.Wrap(err, errors.ErrCodeInternal, "failed to count roles")
	}

	membersQuery := `
		SELECT DISTINCT u.id::text
		FROM app_user_roles ur
		JOIN app_roles r ON r.id = ur.role_id
		JOIN app_users u ON u.id = ur.user_id
		WHERE r.is_active AND ur.is_active AND u.is_active
		  AND lower(trim(r.id)) = ANY($1)
		ORDER BY 1
	`
	rows, err := r.db.Query(ctx, membersQuery, keys)
	if err != nil {
		return m, errors.Wrap(err, errors.ErrCodeInternal, "failed to expand roles")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return m, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role member")
		}
		m.UserIDs = append(m.UserIDs, id)
	}
	if err := rows.Err(); err != nil {
		return m, errors.Wrap(err, errors.ErrCodeInternal, "failed to expand roles")
	}
	return m, nil
}

// ResolveLogin maps a login to the canonical numeric user id.
func (r *IdentityRepository) ResolveLogin(ctx context.Context, login string) (string, bool, error) {
	query := `SELECT id::text FROM app_users WHERE lower(login) = lower(trim($1))`

	var id string
	err := r.db.QueryRow(ctx, query, login).Scan(&id)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve login")
	}
	return id, true, nil
}

// GetUser looks a user up by numeric id or, failing that, by login.
func (r *IdentityRepository) GetUser(ctx context.Context, idOrLogin string) (*User, error) {
	key := strings.TrimSpace(idOrLogin)

	var row pgx.Row
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		row = r.db.QueryRow(ctx, `SELECT id::text, login, email, display_name, is_active FROM app_users WHERE id = $1`, n)
	} else {
		row = r.db.QueryRow(ctx, `SELECT id::text, login, email, display_name, is_active FROM app_users WHERE lower(login) = lower($1)`, key)
	}

	u := &User{}
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.DisplayName, &u.IsActive)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", idOrLogin)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get user")
	}
	return u, nil
}
