package server

import (
	"veriflow/internal/domain"
)

type LoginRequest struct {
	TenantID    string `json:"tenant_id" example:"tenant-1"`
	Contact     string `json:"contact" example:"dana@example.com"`
	DisplayName string `json:"display_name,omitempty" example:"Dana"`
}

type LoginResponse struct {
	Token   string          `json:"token"`
	Session SessionResponse `json:"session"`
	Actor   ActorResponse   `json:"actor"`
}

type SessionResponse struct {
	ID        string  `json:"id"`
	TenantID  string  `json:"tenant_id"`
	ActorID   string  `json:"actor_id"`
	IssuedAt  string  `json:"issued_at"`
	ExpiresAt string  `json:"expires_at"`
	RevokedAt *string `json:"revoked_at,omitempty"`
}

type ActorResponse struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	Kind        string `json:"kind" enum:"HUMAN_USER,SERVICE_ACCOUNT,SYSTEM"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

type CreateActorRequest struct {
	Kind        string `json:"kind" enum:"HUMAN_USER,SERVICE_ACCOUNT,SYSTEM"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
}

type MeResponse struct {
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	SessionID string `json:"session_id,omitempty"`
	ActorKind string `json:"actor_kind"`
}

type StartInstanceRequest struct {
	DefinitionID string         `json:"definition_id" example:"approval-chain"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
}

type InstanceResponse struct {
	ID            string  `json:"id"`
	DefinitionID  string  `json:"definition_id"`
	Version       string  `json:"version"`
	Status        string  `json:"status" enum:"RUNNING,WAITING,COMPLETED,FAILED"`
	CurrentStepID string  `json:"current_step_id"`
	StartedAt     string  `json:"started_at"`
	UpdatedAt     string  `json:"updated_at"`
	TenantID      string  `json:"tenant_id"`
	OwnerID       *string `json:"owner_id,omitempty"`
}

type DecisionRequest struct {
	Decision      string `json:"decision" enum:"APPROVE,REJECT"`
	Justification string `json:"justification"`
}

type DecisionResponse struct {
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	DecidedAt     string `json:"decided_at"`
}

type TaskResponse struct {
	ID              string            `json:"id"`
	InstanceID      string            `json:"instance_id"`
	StepID          string            `json:"step_id"`
	StepType        string            `json:"step_type" enum:"HUMAN_APPROVAL,SYSTEM_WAIT"`
	Status          string            `json:"status" enum:"PENDING,COMPLETED,REJECTED"`
	AssignedRole    *string           `json:"assigned_role,omitempty"`
	AssignedActorID *string           `json:"assigned_actor_id,omitempty"`
	CreatedAt       string            `json:"created_at"`
	CompletedAt     *string           `json:"completed_at,omitempty"`
	Decision        *DecisionResponse `json:"decision,omitempty"`
}

type JournalEntryResponse struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	InstanceID    string `json:"instance_id"`
	TaskID        string `json:"task_id"`
	StepID        string `json:"step_id"`
	Decision      string `json:"decision"`
	Justification string `json:"justification"`
	ActorID       string `json:"actor_id"`
	CreatedAt     string `json:"created_at"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		TenantID:  s.TenantID,
		ActorID:   s.ActorID,
		IssuedAt:  s.IssuedAt,
		ExpiresAt: s.ExpiresAt,
		RevokedAt: s.RevokedAt,
	}
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:          a.ID,
		TenantID:    a.TenantID,
		Kind:        a.Kind,
		DisplayName: a.DisplayName,
		Contact:     a.Contact,
		IsActive:    a.IsActive,
		CreatedAt:   a.CreatedAt,
	}
}

func mapActors(items []domain.Actor) []ActorResponse {
	out := make([]ActorResponse, 0, len(items))
	for _, a := range items {
		out = append(out, actorResponse(a))
	}
	return out
}

func instanceResponse(in domain.WorkflowInstance) InstanceResponse {
	return InstanceResponse{
		ID:            in.ID,
		DefinitionID:  in.DefinitionID,
		Version:       in.Version,
		Status:        in.Status,
		CurrentStepID: in.CurrentStepID,
		StartedAt:     in.StartedAt,
		UpdatedAt:     in.UpdatedAt,
		TenantID:      in.TenantID,
		OwnerID:       in.OwnerID,
	}
}

func mapInstances(items []domain.WorkflowInstance) []InstanceResponse {
	out := make([]InstanceResponse, 0, len(items))
	for _, in := range items {
		out = append(out, instanceResponse(in))
	}
	return out
}

func taskResponse(t domain.StepTask) TaskResponse {
	resp := TaskResponse{
		ID:              t.ID,
		InstanceID:      t.InstanceID,
		StepID:          t.StepID,
		StepType:        t.StepType,
		Status:          t.Status,
		AssignedRole:    t.AssignedRole,
		AssignedActorID: t.AssignedActorID,
		CreatedAt:       t.CreatedAt,
		CompletedAt:     t.CompletedAt,
	}
	if t.Decision != nil {
		resp.Decision = &DecisionResponse{
			Decision:      t.Decision.Decision,
			Justification: t.Decision.Justification,
			ActorID:       t.Decision.ActorID,
			DecidedAt:     t.Decision.DecidedAt,
		}
	}
	return resp
}

func mapTasks(items []domain.StepTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t))
	}
	return out
}

func journalResponse(e domain.JournalEntry) JournalEntryResponse {
	return JournalEntryResponse{
		ID:            e.ID,
		TenantID:      e.TenantID,
		InstanceID:    e.InstanceID,
		TaskID:        e.TaskID,
		StepID:        e.StepID,
		Decision:      e.Decision,
		Justification: e.Justification,
		ActorID:       e.ActorID,
		CreatedAt:     e.CreatedAt,
	}
}

func mapJournal(items []domain.JournalEntry) []JournalEntryResponse {
	out := make([]JournalEntryResponse, 0, len(items))
	for _, e := range items {
		out = append(out, journalResponse(e))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		TenantID:   e.TenantID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
