package repo

import (
	"context"

	"veriflow/internal/domain"
)

// ListEvents returns tenant events after the given id, oldest first, capped
// at limit. afterID 0 starts from the beginning.
func (r Repo) ListEvents(ctx context.Context, tenantID string, afterID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),payload_json
		 FROM events WHERE tenant_id=? AND id>? ORDER BY id ASC LIMIT ?`, tenantID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEvents returns the n newest tenant events, newest first, optionally
// filtered by event type.
func (r Repo) LatestEvents(ctx context.Context, tenantID, evtType string, n int) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	query := `SELECT id,ts,type,COALESCE(tenant_id,''),entity_kind,COALESCE(entity_id,''),COALESCE(actor_id,''),payload_json
	 FROM events WHERE tenant_id=?`
	args := []any{tenantID}
	if evtType != "" {
		query += ` AND type=?`
		args = append(args, evtType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, n)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TenantID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the newest event id for a tenant, 0 if none.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID).Scan(&id)
	return id, err
}
