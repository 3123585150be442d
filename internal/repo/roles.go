package repo

import (
	"context"
	"database/sql"
)

// Role assignments back the role-visibility extension point. The task store
// itself never consults them; the engine's RoleResolver does.

func (r Repo) AssignRole(ctx context.Context, tenantID, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(tenant_id, actor_id, role_id) VALUES (?,?,?)`, tenantID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tenantID, actorID, roleID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE tenant_id=? AND actor_id=? AND role_id=?`, tenantID, actorID, roleID)
	return err
}

func (r Repo) ActorHasRole(ctx context.Context, tenantID, actorID, roleID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE tenant_id=? AND actor_id=? AND role_id=? LIMIT 1`, tenantID, actorID, roleID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ActorRoles(ctx context.Context, tenantID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE tenant_id=? AND actor_id=? ORDER BY role_id`, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
