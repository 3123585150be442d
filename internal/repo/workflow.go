package repo

import (
	"context"
	"database/sql"

	"veriflow/internal/domain"
)

// The workflow store is a dumb keyed map: upserts overwrite unconditionally
// and no state-machine rule is enforced here. That responsibility sits in the
// engine, which runs every transition inside one transaction.

const instanceCols = `id,definition_id,version,status,current_step_id,started_at,updated_at,tenant_id,owner_id`

func scanInstance(scan func(dest ...any) error) (domain.WorkflowInstance, error) {
	var in domain.WorkflowInstance
	var owner sql.NullString
	err := scan(&in.ID, &in.DefinitionID, &in.Version, &in.Status, &in.CurrentStepID, &in.StartedAt, &in.UpdatedAt, &in.TenantID, &owner)
	if err != nil {
		return in, err
	}
	if owner.Valid {
		in.OwnerID = &owner.String
	}
	return in, nil
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.WorkflowInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	in, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

func (r Repo) GetInstanceTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkflowInstance, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE id=?`, id)
	in, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return in, ErrNotFound
	}
	return in, err
}

// ListInstances returns a tenant's instances, most recently touched first.
func (r Repo) ListInstances(ctx context.Context, tenantID string) ([]domain.WorkflowInstance, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+instanceCols+` FROM workflow_instances WHERE tenant_id=? ORDER BY updated_at DESC, id DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowInstance
	for rows.Next() {
		in, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) UpsertInstance(ctx context.Context, in domain.WorkflowInstance) error {
	return upsertInstance(ctx, r.DB.ExecContext, in)
}

func (r Repo) UpsertInstanceTx(ctx context.Context, tx *sql.Tx, in domain.WorkflowInstance) error {
	return upsertInstance(ctx, tx.ExecContext, in)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func upsertInstance(ctx context.Context, exec execFunc, in domain.WorkflowInstance) error {
	_, err := exec(ctx, `INSERT INTO workflow_instances(`+instanceCols+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET definition_id=excluded.definition_id, version=excluded.version, status=excluded.status,
current_step_id=excluded.current_step_id, started_at=excluded.started_at, updated_at=excluded.updated_at,
tenant_id=excluded.tenant_id, owner_id=excluded.owner_id`,
		in.ID, in.DefinitionID, in.Version, in.Status, in.CurrentStepID, in.StartedAt, in.UpdatedAt, in.TenantID, nullableStringPtr(in.OwnerID))
	return err
}

const taskCols = `id,instance_id,step_id,step_type,status,assigned_role,assigned_actor_id,created_at,completed_at,decision,decision_justification,decision_actor_id,decided_at,snapshot_json`

func scanTask(scan func(dest ...any) error) (domain.StepTask, error) {
	var t domain.StepTask
	var role, assignee, completed, decision, justification, decisionActor, decidedAt, snapshot sql.NullString
	err := scan(&t.ID, &t.InstanceID, &t.StepID, &t.StepType, &t.Status, &role, &assignee, &t.CreatedAt,
		&completed, &decision, &justification, &decisionActor, &decidedAt, &snapshot)
	if err != nil {
		return t, err
	}
	if role.Valid {
		t.AssignedRole = &role.String
	}
	if assignee.Valid {
		t.AssignedActorID = &assignee.String
	}
	if completed.Valid {
		t.CompletedAt = &completed.String
	}
	if snapshot.Valid {
		t.SnapshotJSON = &snapshot.String
	}
	if decision.Valid {
		t.Decision = &domain.DecisionRecord{
			Decision:      decision.String,
			Justification: justification.String,
			ActorID:       decisionActor.String,
			DecidedAt:     decidedAt.String,
		}
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.StepTask, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM workflow_tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.StepTask, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM workflow_tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// ListPendingTasks returns PENDING tasks whose parent instance belongs to the
// tenant and which are assigned to the actor or unassigned. An unassigned task
// is visible to any actor in the tenant; role-based narrowing happens above
// this layer.
func (r Repo) ListPendingTasks(ctx context.Context, actorID, tenantID string) ([]domain.StepTask, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT t.id,t.instance_id,t.step_id,t.step_type,t.status,t.assigned_role,t.assigned_actor_id,t.created_at,
t.completed_at,t.decision,t.decision_justification,t.decision_actor_id,t.decided_at,t.snapshot_json
FROM workflow_tasks t
JOIN workflow_instances i ON i.id=t.instance_id
WHERE t.status=? AND i.tenant_id=? AND (t.assigned_actor_id=? OR t.assigned_actor_id IS NULL)
ORDER BY t.created_at ASC, t.id ASC`, domain.TaskPending, tenantID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksForInstance returns an instance's tasks ordered by creation time.
func (r Repo) ListTasksForInstance(ctx context.Context, instanceID string) ([]domain.StepTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM workflow_tasks WHERE instance_id=? ORDER BY created_at ASC, id ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountPendingTasksForStepTx counts remaining PENDING tasks on a step,
// excluding the task currently being decided.
func (r Repo) CountPendingTasksForStepTx(ctx context.Context, tx *sql.Tx, instanceID, stepID, excludeTaskID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM workflow_tasks WHERE instance_id=? AND step_id=? AND status=? AND id != ?`,
		instanceID, stepID, domain.TaskPending, excludeTaskID).Scan(&n)
	return n, err
}

func collectTasks(rows *sql.Rows) ([]domain.StepTask, error) {
	var res []domain.StepTask
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpsertTask(ctx context.Context, t domain.StepTask) error {
	return upsertTask(ctx, r.DB.ExecContext, t)
}

func (r Repo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.StepTask) error {
	return upsertTask(ctx, tx.ExecContext, t)
}

func upsertTask(ctx context.Context, exec execFunc, t domain.StepTask) error {
	var decision, justification, decisionActor, decidedAt any
	if t.Decision != nil {
		decision = t.Decision.Decision
		justification = t.Decision.Justification
		decisionActor = t.Decision.ActorID
		decidedAt = t.Decision.DecidedAt
	}
	_, err := exec(ctx, `INSERT INTO workflow_tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET instance_id=excluded.instance_id, step_id=excluded.step_id, step_type=excluded.step_type,
status=excluded.status, assigned_role=excluded.assigned_role, assigned_actor_id=excluded.assigned_actor_id,
created_at=excluded.created_at, completed_at=excluded.completed_at, decision=excluded.decision,
decision_justification=excluded.decision_justification, decision_actor_id=excluded.decision_actor_id,
decided_at=excluded.decided_at, snapshot_json=excluded.snapshot_json`,
		t.ID, t.InstanceID, t.StepID, t.StepType, t.Status, nullableStringPtr(t.AssignedRole), nullableStringPtr(t.AssignedActorID),
		t.CreatedAt, nullableStringPtr(t.CompletedAt), decision, justification, decisionActor, decidedAt, nullableStringPtr(t.SnapshotJSON))
	return err
}
