package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/engine"
	"veriflow/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("tenant-1")
	eng := engine.New(conn, cfg)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Engine: eng, Ctx: context.Background(), Clock: &clock}
	env.Engine.Now = func() time.Time { return *env.Clock }
	env.Engine.Events.Now = env.Engine.Now
	if err := env.Engine.Repo.InsertTenant(env.Ctx, domain.Tenant{
		ID: "tenant-1", Name: "Tenant One", Status: "active", CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func (env *testEnv) startInstance(t *testing.T, definition string) domain.WorkflowInstance {
	t.Helper()
	in, err := env.Engine.StartInstance(env.Ctx, engine.StartInstanceOptions{
		DefinitionID: definition,
		TenantID:     "tenant-1",
		OwnerID:      "user-1",
		Snapshot:     map[string]any{"request": "deploy v2"},
		ActorID:      "user-1",
	})
	if err != nil {
		t.Fatalf("start instance: %v", err)
	}
	return in
}

func (env *testEnv) pendingTask(t *testing.T, instanceID string) domain.StepTask {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasksForInstance(env.Ctx, instanceID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status == domain.TaskPending {
			return task
		}
	}
	t.Fatalf("no pending task on %s", instanceID)
	return domain.StepTask{}
}

func TestStartInstanceCreatesFirstTask(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	if in.Status != domain.InstanceRunning || in.CurrentStepID != "step-initial-review" {
		t.Fatalf("unexpected instance: %+v", in)
	}
	task := env.pendingTask(t, in.ID)
	if task.StepID != "step-initial-review" || task.StepType != domain.StepHumanApproval {
		t.Fatalf("unexpected first task: %+v", task)
	}
	if task.AssignedRole == nil || *task.AssignedRole != "reviewer" {
		t.Fatalf("role not carried from definition: %+v", task)
	}
	if task.SnapshotJSON == nil {
		t.Fatal("snapshot not frozen onto task")
	}
}

func TestStartInstanceUnknownDefinition(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.StartInstance(env.Ctx, engine.StartInstanceOptions{
		DefinitionID: "nope", TenantID: "tenant-1",
	})
	if !errors.Is(err, engine.ErrDefinitionNotFound) {
		t.Fatalf("expected ErrDefinitionNotFound, got %v", err)
	}
}

func TestApproveAdvancesThenCompletes(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")

	first := env.pendingTask(t, in.ID)
	done, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: first.ID, Decision: domain.DecisionApprove, Justification: "looks good", ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("approve first: %v", err)
	}
	if done.Status != domain.TaskCompleted || done.Decision == nil || done.Decision.Decision != domain.DecisionApprove {
		t.Fatalf("unexpected decided task: %+v", done)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	in2, err := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if err != nil {
		t.Fatal(err)
	}
	if in2.Status != domain.InstanceRunning || in2.CurrentStepID != "step-manager-approval" {
		t.Fatalf("instance did not advance: %+v", in2)
	}

	second := env.pendingTask(t, in.ID)
	if second.StepID != "step-manager-approval" {
		t.Fatalf("unexpected second task: %+v", second)
	}
	if second.SnapshotJSON == nil || *second.SnapshotJSON != *done.SnapshotJSON {
		t.Fatal("snapshot not copied forward untouched")
	}
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: second.ID, Decision: domain.DecisionApprove, Justification: "ship it", ActorID: "mgr-1",
	}); err != nil {
		t.Fatalf("approve second: %v", err)
	}

	in3, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if in3.Status != domain.InstanceCompleted {
		t.Fatalf("instance not completed: %+v", in3)
	}
}

func TestRejectFailsInstance(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)

	decided, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionReject, Justification: "missing tests", ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if decided.Status != domain.TaskRejected {
		t.Fatalf("unexpected task status: %s", decided.Status)
	}

	got, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if got.Status != domain.InstanceFailed {
		t.Fatalf("instance not failed: %+v", got)
	}
	// no new task was spawned
	tasks, _ := env.Engine.Repo.ListTasksForInstance(env.Ctx, in.ID)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestDecisionIsAtomicAndFinal(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)

	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionApprove, Justification: "ok", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}

	// second decision must fail and leave the first untouched
	_, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionReject, Justification: "changed my mind", ActorID: "user-2",
	})
	if !errors.Is(err, engine.ErrTaskNotPending) {
		t.Fatalf("expected ErrTaskNotPending, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskCompleted || got.Decision == nil || got.Decision.ActorID != "user-1" {
		t.Fatalf("first decision was disturbed: %+v", got)
	}
}

func TestJustificationRequired(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)

	for _, j := range []string{"", "   ", "\t\n"} {
		_, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
			TaskID: task.ID, Decision: domain.DecisionApprove, Justification: j, ActorID: "user-1",
		})
		if !errors.Is(err, engine.ErrJustificationRequired) {
			t.Fatalf("justification %q: expected ErrJustificationRequired, got %v", j, err)
		}
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskPending || got.Decision != nil {
		t.Fatalf("task mutated by failed decision: %+v", got)
	}
}

func TestDecideUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: "task-nope", Decision: domain.DecisionApprove, Justification: "x", ActorID: "user-1",
	})
	if !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestDecisionBumpsUpdatedAt(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)

	env.advance(5 * time.Minute)
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionApprove, Justification: "ok", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if got.UpdatedAt == in.UpdatedAt {
		t.Fatalf("updated_at not bumped: %s", got.UpdatedAt)
	}
}

func TestDecisionWritesJournalEntry(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)

	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionReject, Justification: "not ready", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	entries, err := env.Engine.Repo.ListJournal(env.Ctx, "tenant-1", in.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TaskID != task.ID || e.Decision != domain.DecisionReject || e.Justification != "not ready" || e.ActorID != "user-1" {
		t.Fatalf("unexpected journal entry: %+v", e)
	}
}

func TestPendingTaskVisibility(t *testing.T) {
	env := newTestEnv(t)

	// seed an instance with one unassigned pending task, as a fresh worklist
	now := "2024-01-01T00:00:00Z"
	in := domain.WorkflowInstance{
		ID: "wf-inst-1", DefinitionID: "approval-chain", Version: "1.0.0",
		Status: domain.InstanceRunning, CurrentStepID: "step-manager-approval",
		StartedAt: now, UpdatedAt: now, TenantID: "tenant-1",
	}
	if err := env.Engine.Repo.UpsertInstance(env.Ctx, in); err != nil {
		t.Fatal(err)
	}
	role := "manager"
	task := domain.StepTask{
		ID: "task-2", InstanceID: "wf-inst-1", StepID: "step-manager-approval",
		StepType: domain.StepHumanApproval, Status: domain.TaskPending,
		AssignedRole: &role, CreatedAt: now,
	}
	if err := env.Engine.Repo.UpsertTask(env.Ctx, task); err != nil {
		t.Fatal(err)
	}

	// unassigned task is visible to any tenant actor
	pending, err := env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "task-2" {
		t.Fatalf("expected task-2 pending, got %+v", pending)
	}

	// but not across tenants
	other, err := env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("tenant isolation broken: %+v", other)
	}

	// approve it; it leaves the worklist and keeps its decision record
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: "task-2", Decision: domain.DecisionApprove, Justification: "ok", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	pending, _ = env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-1")
	if len(pending) != 0 {
		t.Fatalf("decided task still pending: %+v", pending)
	}
	tasks, _ := env.Engine.Repo.ListTasksForInstance(env.Ctx, "wf-inst-1")
	if len(tasks) != 1 || tasks[0].Status != domain.TaskCompleted || tasks[0].Decision == nil {
		t.Fatalf("decision record missing: %+v", tasks)
	}
	// step-manager-approval is the last step, so the instance completed
	got, _ := env.Engine.Repo.GetInstance(env.Ctx, "wf-inst-1")
	if got.Status != domain.InstanceCompleted {
		t.Fatalf("instance not completed: %+v", got)
	}
}

func TestPendingTaskAssignedToOtherActorHidden(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)
	other := "user-2"
	task.AssignedActorID = &other
	if err := env.Engine.Repo.UpsertTask(env.Ctx, task); err != nil {
		t.Fatal(err)
	}

	mine, err := env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 0 {
		t.Fatalf("assigned task leaked: %+v", mine)
	}
	theirs, _ := env.Engine.PendingTasks(env.Ctx, "user-2", "tenant-1")
	if len(theirs) != 1 {
		t.Fatalf("assignee cannot see own task: %+v", theirs)
	}
}

func TestRoleResolverNarrowsVisibility(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Roles = env.Engine.Repo
	in := env.startInstance(t, "approval-chain")

	// first step requires the reviewer role
	none, err := env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("task visible without role: %+v", none)
	}
	if err := env.Engine.Repo.AssignRole(env.Ctx, "tenant-1", "user-1", "reviewer"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.PendingTasks(env.Ctx, "user-1", "tenant-1")
	if len(got) != 1 || got[0].InstanceID != in.ID {
		t.Fatalf("task hidden despite role: %+v", got)
	}
}

func TestSystemWaitAndRelease(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "deployment")

	first := env.pendingTask(t, in.ID)
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: first.ID, Decision: domain.DecisionApprove, Justification: "change approved", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}

	waiting, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if waiting.Status != domain.InstanceWaiting || waiting.CurrentStepID != "step-window-wait" {
		t.Fatalf("instance not waiting: %+v", waiting)
	}
	waitTask := env.pendingTask(t, in.ID)
	if waitTask.StepType != domain.StepSystemWait {
		t.Fatalf("expected SYSTEM_WAIT task: %+v", waitTask)
	}

	if _, err := env.Engine.ReleaseWait(env.Ctx, waitTask.ID, "actor-system-tenant-1", ""); err != nil {
		t.Fatalf("release: %v", err)
	}
	resumed, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if resumed.Status != domain.InstanceRunning || resumed.CurrentStepID != "step-deploy-prod" {
		t.Fatalf("instance not resumed: %+v", resumed)
	}
}

func TestReleaseRejectsHumanApprovalTask(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)
	if task.StepType != domain.StepHumanApproval {
		t.Fatalf("expected HUMAN_APPROVAL task: %+v", task)
	}

	// release must not stand in for a real approval decision
	_, err := env.Engine.ReleaseWait(env.Ctx, task.ID, "actor-system-tenant-1", "")
	if !errors.Is(err, engine.ErrTaskNotWaiting) {
		t.Fatalf("expected ErrTaskNotWaiting, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.Status != domain.TaskPending || got.Decision != nil {
		t.Fatalf("task mutated by rejected release: %+v", got)
	}

	if _, err := env.Engine.ReleaseWait(env.Ctx, "task-nope", "actor-system-tenant-1", ""); !errors.Is(err, engine.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestStaleTaskOnTerminalInstanceDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")

	// leave a second pending task on the current step, then fail the instance
	first := env.pendingTask(t, in.ID)
	stale := first
	stale.ID = "task-stale"
	if err := env.Engine.Repo.UpsertTask(env.Ctx, stale); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: first.ID, Decision: domain.DecisionReject, Justification: "no", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	failed, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if failed.Status != domain.InstanceFailed {
		t.Fatalf("instance not failed: %+v", failed)
	}

	// approving the straggler records the decision but moves nothing
	env.advance(time.Minute)
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: stale.ID, Decision: domain.DecisionApprove, Justification: "too late", ActorID: "user-2",
	}); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetInstance(env.Ctx, in.ID)
	if got.Status != domain.InstanceFailed || got.CurrentStepID != failed.CurrentStepID {
		t.Fatalf("terminal instance moved: %+v", got)
	}
	if got.UpdatedAt == failed.UpdatedAt {
		t.Fatalf("updated_at not bumped: %s", got.UpdatedAt)
	}
	tasks, _ := env.Engine.Repo.ListTasksForInstance(env.Ctx, in.ID)
	if len(tasks) != 2 {
		t.Fatalf("new task spawned on terminal instance: %+v", tasks)
	}
}

func TestInstancesListedByRecency(t *testing.T) {
	env := newTestEnv(t)
	a := env.startInstance(t, "approval-chain")
	env.advance(time.Minute)
	b := env.startInstance(t, "approval-chain")
	env.advance(time.Minute)

	// touching a moves it back to the front
	task := env.pendingTask(t, a.ID)
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionApprove, Justification: "ok", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}

	items, err := env.Engine.Repo.ListInstances(env.Ctx, "tenant-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ID != a.ID || items[1].ID != b.ID {
		t.Fatalf("unexpected order: %+v", items)
	}
}

func TestEventsAppended(t *testing.T) {
	env := newTestEnv(t)
	in := env.startInstance(t, "approval-chain")
	task := env.pendingTask(t, in.ID)
	if _, err := env.Engine.CompleteHumanTask(env.Ctx, engine.CompleteTaskOptions{
		TaskID: task.ID, Decision: domain.DecisionApprove, Justification: "ok", ActorID: "user-1",
	}); err != nil {
		t.Fatal(err)
	}
	events, err := env.Engine.Repo.ListEvents(env.Ctx, "tenant-1", 0, 50)
	if err != nil {
		t.Fatal(err)
	}
	types := map[string]bool{}
	for _, e := range events {
		types[e.Type] = true
	}
	for _, want := range []string{"instance.started", "task.decided", "instance.advanced"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
