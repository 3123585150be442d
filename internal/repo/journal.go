package repo

import (
	"context"
	"database/sql"

	"veriflow/internal/domain"
)

func (r Repo) InsertJournalEntryTx(ctx context.Context, tx *sql.Tx, e domain.JournalEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_journal(id,tenant_id,instance_id,task_id,step_id,decision,justification,actor_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TenantID, e.InstanceID, e.TaskID, e.StepID, e.Decision, e.Justification, e.ActorID, e.CreatedAt)
	return err
}

// ListJournal returns decision journal rows for a tenant, optionally narrowed
// to one instance, newest first.
func (r Repo) ListJournal(ctx context.Context, tenantID, instanceID string, limit int) ([]domain.JournalEntry, error) {
	query := `SELECT id,tenant_id,instance_id,task_id,step_id,decision,justification,actor_id,created_at FROM decision_journal WHERE tenant_id=?`
	args := []any{tenantID}
	if instanceID != "" {
		query += ` AND instance_id=?`
		args = append(args, instanceID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.InstanceID, &e.TaskID, &e.StepID, &e.Decision, &e.Justification, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
