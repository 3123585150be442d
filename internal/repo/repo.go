package repo

import (
	"context"
	"database/sql"
	"errors"

	"veriflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertTenant(ctx context.Context, t domain.Tenant) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tenants(id,name,status,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,created_at FROM tenants WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTenants(ctx context.Context) ([]domain.Tenant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tenant
	for rows.Next() {
		var t domain.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Status, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO actors(id,tenant_id,kind,display_name,contact,is_active,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, a.Kind, a.DisplayName, nullable(a.Contact), boolToInt(a.IsActive), a.CreatedAt)
	return err
}

func scanActor(row *sql.Row) (domain.Actor, error) {
	var a domain.Actor
	var contact sql.NullString
	var active int
	err := row.Scan(&a.ID, &a.TenantID, &a.Kind, &a.DisplayName, &contact, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if contact.Valid {
		a.Contact = contact.String
	}
	a.IsActive = active != 0
	return a, nil
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,kind,display_name,contact,is_active,created_at FROM actors WHERE id=?`, id))
}

// FindActorByContact returns the first active actor in the tenant with the
// given contact identifier. Contacts are not unique; login uses this as a
// best-effort find-or-create hint only.
func (r Repo) FindActorByContact(ctx context.Context, tenantID, contact string) (domain.Actor, error) {
	return scanActor(r.DB.QueryRowContext(ctx,
		`SELECT id,tenant_id,kind,display_name,contact,is_active,created_at FROM actors WHERE tenant_id=? AND contact=? AND is_active=1 ORDER BY created_at ASC LIMIT 1`,
		tenantID, contact))
}

func (r Repo) ListActors(ctx context.Context, tenantID string) ([]domain.Actor, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,kind,display_name,contact,is_active,created_at FROM actors WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var a domain.Actor
		var contact sql.NullString
		var active int
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Kind, &a.DisplayName, &contact, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		if contact.Valid {
			a.Contact = contact.String
		}
		a.IsActive = active != 0
		res = append(res, a)
	}
	return res, rows.Err()
}

// SetActorActive flips the active flag. Actors are never deleted so that
// historical sessions and tasks keep resolving.
func (r Repo) SetActorActive(ctx context.Context, id string, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET is_active=? WHERE id=?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSession(ctx context.Context, s domain.Session) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,tenant_id,actor_id,issued_at,expires_at,revoked_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.ActorID, s.IssuedAt, s.ExpiresAt, nullableStringPtr(s.RevokedAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var revoked sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,tenant_id,actor_id,issued_at,expires_at,revoked_at FROM sessions WHERE id=?`, id).
		Scan(&s.ID, &s.TenantID, &s.ActorID, &s.IssuedAt, &s.ExpiresAt, &revoked)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if revoked.Valid {
		s.RevokedAt = &revoked.String
	}
	return s, nil
}

// MarkSessionRevoked stamps revoked_at only if not already set; revoking an
// already-revoked or unknown session affects zero rows.
func (r Repo) MarkSessionRevoked(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE sessions SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, now, id)
	return err
}

func (r Repo) ListSessions(ctx context.Context, actorID string) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tenant_id,actor_id,issued_at,expires_at,revoked_at FROM sessions WHERE actor_id=? ORDER BY issued_at DESC`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		var s domain.Session
		var revoked sql.NullString
		if err := rows.Scan(&s.ID, &s.TenantID, &s.ActorID, &s.IssuedAt, &s.ExpiresAt, &revoked); err != nil {
			return nil, err
		}
		if revoked.Valid {
			s.RevokedAt = &revoked.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
