package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/events"
	"veriflow/internal/repo"
)

var (
	ErrTaskNotFound          = errors.New("task not found")
	ErrTaskNotPending        = errors.New("task has already been decided")
	ErrTaskNotWaiting        = errors.New("task is not a system wait")
	ErrJustificationRequired = errors.New("justification is required")
	ErrDefinitionNotFound    = errors.New("workflow definition not found")
)

// RoleResolver answers whether an actor holds a role within a tenant. It is
// the extension point for narrowing unassigned-task visibility; the default
// treats every role as satisfied. repo.Repo implements it via actor_roles.
type RoleResolver interface {
	ActorHasRole(ctx context.Context, tenantID, actorID, roleID string) (bool, error)
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Roles  RoleResolver
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) definition(id string) (config.Definition, error) {
	if e.Config == nil {
		return config.Definition{}, errors.New("config not loaded")
	}
	def, ok := e.Config.Workflows.Definitions[id]
	if !ok {
		return config.Definition{}, fmt.Errorf("%w: %s", ErrDefinitionNotFound, id)
	}
	return def, nil
}

// StartInstanceOptions are parameters for starting a workflow instance.
type StartInstanceOptions struct {
	DefinitionID string
	TenantID     string
	OwnerID      string
	Snapshot     map[string]any
	ActorID      string
}

// StartInstance creates a RUNNING instance positioned at the definition's
// first step, with that step's task already pending. The snapshot is frozen
// at creation and copied forward to later step tasks untouched.
func (e Engine) StartInstance(ctx context.Context, opts StartInstanceOptions) (domain.WorkflowInstance, error) {
	if opts.TenantID == "" {
		return domain.WorkflowInstance{}, errors.New("tenant is required")
	}
	def, err := e.definition(opts.DefinitionID)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	first := def.Steps[0]
	now := e.now().UTC().Format(time.RFC3339)
	in := domain.WorkflowInstance{
		ID:            "wfi-" + uuid.New().String(),
		DefinitionID:  opts.DefinitionID,
		Version:       def.Version,
		Status:        statusForStep(first),
		CurrentStepID: first.ID,
		StartedAt:     now,
		UpdatedAt:     now,
		TenantID:      opts.TenantID,
		OwnerID:       optionalString(opts.OwnerID),
	}
	var snapshot *string
	if len(opts.Snapshot) > 0 {
		b, err := json.Marshal(opts.Snapshot)
		if err != nil {
			return domain.WorkflowInstance{}, fmt.Errorf("marshal snapshot: %w", err)
		}
		s := string(b)
		snapshot = &s
	}
	task := newStepTask(in.ID, first, snapshot, now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowInstance{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertInstanceTx(ctx, tx, in); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Repo.UpsertTaskTx(ctx, tx, task); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := e.Events.Append(ctx, tx, "instance.started", in.TenantID, "instance", in.ID, opts.ActorID, events.EventPayload{
		"definition_id": in.DefinitionID,
		"step_id":       in.CurrentStepID,
	}); err != nil {
		return domain.WorkflowInstance{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkflowInstance{}, err
	}
	return in, nil
}

// CompleteTaskOptions carry a human decision on a pending task.
type CompleteTaskOptions struct {
	TaskID        string
	Decision      string // APPROVE or REJECT
	Justification string
	ActorID       string
}

// CompleteHumanTask moves one pending task to a terminal status and re-derives
// the owning instance's state from its tasks. The whole transition is one
// transaction: no write happens before every precondition passes, and two
// concurrent decisions on the same task cannot both succeed.
func (e Engine) CompleteHumanTask(ctx context.Context, opts CompleteTaskOptions) (domain.StepTask, error) {
	if opts.Decision != domain.DecisionApprove && opts.Decision != domain.DecisionReject {
		return domain.StepTask{}, fmt.Errorf("unknown decision %s", opts.Decision)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StepTask{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StepTask{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.StepTask{}, err
	}
	if t.Status != domain.TaskPending {
		return t, ErrTaskNotPending
	}
	if strings.TrimSpace(opts.Justification) == "" {
		return t, ErrJustificationRequired
	}

	now := e.now().UTC().Format(time.RFC3339)
	t.Decision = &domain.DecisionRecord{
		Decision:      opts.Decision,
		Justification: opts.Justification,
		ActorID:       opts.ActorID,
		DecidedAt:     now,
	}
	if opts.Decision == domain.DecisionApprove {
		t.Status = domain.TaskCompleted
	} else {
		t.Status = domain.TaskRejected
	}
	t.CompletedAt = &now
	if err := e.Repo.UpsertTaskTx(ctx, tx, t); err != nil {
		return t, err
	}

	in, err := e.Repo.GetInstanceTx(ctx, tx, t.InstanceID)
	if err != nil {
		return t, fmt.Errorf("load instance %s: %w", t.InstanceID, err)
	}
	if err := e.advanceInstance(ctx, tx, &in, t, now); err != nil {
		return t, err
	}
	if err := e.Repo.InsertJournalEntryTx(ctx, tx, domain.JournalEntry{
		ID:            "dec-" + uuid.New().String(),
		TenantID:      in.TenantID,
		InstanceID:    in.ID,
		TaskID:        t.ID,
		StepID:        t.StepID,
		Decision:      opts.Decision,
		Justification: opts.Justification,
		ActorID:       opts.ActorID,
		CreatedAt:     now,
	}); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "task.decided", in.TenantID, "task", t.ID, opts.ActorID, events.EventPayload{
		"decision":        opts.Decision,
		"instance_id":     in.ID,
		"step_id":         t.StepID,
		"instance_status": in.Status,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// advanceInstance re-derives instance state after a task reached a terminal
// status. It always bumps updated_at, even when nothing else changed, so
// polling consumers can detect activity.
func (e Engine) advanceInstance(ctx context.Context, tx *sql.Tx, in *domain.WorkflowInstance, decided domain.StepTask, now string) error {
	// a terminal instance absorbs everything: a straggler task decision may
	// still land, but it must not move the step or spawn new tasks
	if in.Status == domain.InstanceCompleted || in.Status == domain.InstanceFailed {
		in.UpdatedAt = now
		return e.Repo.UpsertInstanceTx(ctx, tx, *in)
	}
	if decided.Status == domain.TaskRejected {
		applyInstanceStatus(in, domain.InstanceFailed)
	} else {
		remaining, err := e.Repo.CountPendingTasksForStepTx(ctx, tx, in.ID, decided.StepID, decided.ID)
		if err != nil {
			return err
		}
		if remaining == 0 && decided.StepID == in.CurrentStepID {
			if err := e.advanceStep(ctx, tx, in, decided, now); err != nil {
				return err
			}
		}
	}
	in.UpdatedAt = now
	return e.Repo.UpsertInstanceTx(ctx, tx, *in)
}

func (e Engine) advanceStep(ctx context.Context, tx *sql.Tx, in *domain.WorkflowInstance, decided domain.StepTask, now string) error {
	def, err := e.definition(in.DefinitionID)
	if err != nil {
		return err
	}
	idx := def.StepIndex(in.CurrentStepID)
	if idx < 0 || idx+1 >= len(def.Steps) {
		applyInstanceStatus(in, domain.InstanceCompleted)
		return nil
	}
	next := def.Steps[idx+1]
	in.CurrentStepID = next.ID
	applyInstanceStatus(in, statusForStep(next))
	task := newStepTask(in.ID, next, decided.SnapshotJSON, now)
	if err := e.Repo.UpsertTaskTx(ctx, tx, task); err != nil {
		return err
	}
	actorID := ""
	if decided.Decision != nil {
		actorID = decided.Decision.ActorID
	}
	return e.Events.Append(ctx, tx, "instance.advanced", in.TenantID, "instance", in.ID, actorID, events.EventPayload{
		"step_id": next.ID,
	})
}

// ReleaseWait completes a SYSTEM_WAIT task so the instance resumes. The
// release is recorded like any decision; the note keeps the journal honest.
// Human approval tasks cannot be released; they need a real decision with a
// real justification.
func (e Engine) ReleaseWait(ctx context.Context, taskID, actorID, note string) (domain.StepTask, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.StepTask{}, ErrTaskNotFound
	}
	if err != nil {
		return domain.StepTask{}, err
	}
	// step_type is immutable per task, so checking outside the decision
	// transaction is safe
	if t.StepType != domain.StepSystemWait {
		return t, ErrTaskNotWaiting
	}
	if strings.TrimSpace(note) == "" {
		note = "system wait released"
	}
	return e.CompleteHumanTask(ctx, CompleteTaskOptions{
		TaskID:        taskID,
		Decision:      domain.DecisionApprove,
		Justification: note,
		ActorID:       actorID,
	})
}

// PendingTasks lists tasks visible to the actor within the tenant. Tasks with
// an assigned role are narrowed through the RoleResolver when one is set;
// without a resolver every role is treated as satisfied.
func (e Engine) PendingTasks(ctx context.Context, actorID, tenantID string) ([]domain.StepTask, error) {
	tasks, err := e.Repo.ListPendingTasks(ctx, actorID, tenantID)
	if err != nil {
		return nil, err
	}
	if e.Roles == nil {
		return tasks, nil
	}
	var visible []domain.StepTask
	for _, t := range tasks {
		if t.AssignedActorID == nil && t.AssignedRole != nil {
			ok, err := e.Roles.ActorHasRole(ctx, tenantID, actorID, *t.AssignedRole)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		visible = append(visible, t)
	}
	return visible, nil
}

func ensureInstanceTransition(oldStatus, newStatus string) error {
	if oldStatus == newStatus {
		return nil
	}
	switch oldStatus {
	case domain.InstanceRunning:
		if newStatus == domain.InstanceWaiting || newStatus == domain.InstanceCompleted || newStatus == domain.InstanceFailed {
			return nil
		}
	case domain.InstanceWaiting:
		if newStatus == domain.InstanceRunning || newStatus == domain.InstanceCompleted || newStatus == domain.InstanceFailed {
			return nil
		}
	}
	return fmt.Errorf("invalid instance status transition %s -> %s", oldStatus, newStatus)
}

// applyInstanceStatus moves the instance forward. Terminal states absorb:
// once COMPLETED or FAILED the status never changes again, though updated_at
// still gets bumped by the caller.
func applyInstanceStatus(in *domain.WorkflowInstance, to string) {
	if in.Status == domain.InstanceCompleted || in.Status == domain.InstanceFailed {
		return
	}
	if err := ensureInstanceTransition(in.Status, to); err != nil {
		return
	}
	in.Status = to
}

func statusForStep(s config.Step) string {
	if s.Type == domain.StepSystemWait {
		return domain.InstanceWaiting
	}
	return domain.InstanceRunning
}

func newStepTask(instanceID string, step config.Step, snapshot *string, now string) domain.StepTask {
	return domain.StepTask{
		ID:           "task-" + uuid.New().String(),
		InstanceID:   instanceID,
		StepID:       step.ID,
		StepType:     step.Type,
		Status:       domain.TaskPending,
		AssignedRole: optionalString(step.Role),
		CreatedAt:    now,
		SnapshotJSON: snapshot,
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
