package domain

// Actor kinds.
const (
	ActorHumanUser      = "HUMAN_USER"
	ActorServiceAccount = "SERVICE_ACCOUNT"
	ActorSystem         = "SYSTEM"
)

// Instance statuses.
const (
	InstanceRunning   = "RUNNING"
	InstanceWaiting   = "WAITING"
	InstanceCompleted = "COMPLETED"
	InstanceFailed    = "FAILED"
)

// Step types.
const (
	StepHumanApproval = "HUMAN_APPROVAL"
	StepSystemWait    = "SYSTEM_WAIT"
)

// Task statuses.
const (
	TaskPending   = "PENDING"
	TaskCompleted = "COMPLETED"
	TaskRejected  = "REJECTED"
)

// Decision values.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

type Tenant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,suspended,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor belongs to exactly one tenant for its lifetime; it is never reassigned.
type Actor struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Kind        string `json:"kind" enum:"HUMAN_USER,SERVICE_ACCOUNT,SYSTEM"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Session is a snapshot grant: tenant_id is copied from the actor at issuance
// and never re-derived. A revoked or expired session is permanently unusable.
type Session struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	ActorID   string  `json:"actor_id"`
	IssuedAt  string  `json:"issued_at" format:"date-time"`
	ExpiresAt string  `json:"expires_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}

// ActorContext is the flattened, read-only projection of a validated session.
// It is held per unit of work, never persisted.
type ActorContext struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id"`
	ActorKind string `json:"actor_kind" enum:"HUMAN_USER,SERVICE_ACCOUNT,SYSTEM"`
}

type WorkflowInstance struct {
	ID            string  `json:"id"`
	DefinitionID  string  `json:"definition_id"`
	Version       string  `json:"version"`
	Status        string  `json:"status" enum:"RUNNING,WAITING,COMPLETED,FAILED"`
	CurrentStepID string  `json:"current_step_id"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
	TenantID      string  `json:"tenant_id"`
	OwnerID       *string `json:"owner_id,omitempty"`
}

// StepTask is one unit of work in an instance, normally a human-approval
// checkpoint. Decision is set if and only if status is terminal.
type StepTask struct {
	ID              string          `json:"id"`
	InstanceID      string          `json:"instance_id"`
	StepID          string          `json:"step_id"`
	StepType        string          `json:"step_type" enum:"HUMAN_APPROVAL,SYSTEM_WAIT"`
	Status          string          `json:"status" enum:"PENDING,COMPLETED,REJECTED"`
	AssignedRole    *string         `json:"assigned_role,omitempty"`
	AssignedActorID *string         `json:"assigned_actor_id,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
	Decision        *DecisionRecord `json:"decision,omitempty"`
	SnapshotJSON    *string         `json:"snapshot_json,omitempty"`
}

type DecisionRecord struct {
	Decision      string `json:"decision" enum:"APPROVE,REJECT"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	DecidedAt     string `json:"decided_at" format:"date-time"`
}

// JournalEntry is the standalone audit row written alongside every decision.
type JournalEntry struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	InstanceID    string `json:"instance_id"`
	TaskID        string `json:"task_id"`
	StepID        string `json:"step_id"`
	Decision      string `json:"decision" enum:"APPROVE,REJECT"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
