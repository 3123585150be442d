package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"veriflow/internal/domain"
	"veriflow/internal/events"
	"veriflow/internal/repo"
)

// Registry is the actor directory and session registry. Sessions are issued
// against a live actor, resolved as pure reads, and revoked idempotently.
// When Events is set, session lifecycle lands in the event log.
type Registry struct {
	Repo   repo.Repo
	Events *events.Writer
	Now    func() time.Time
}

func NewRegistry(r repo.Repo) Registry {
	return Registry{Repo: r, Now: time.Now}
}

func (g Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// CreateActor allocates a fresh actor in the tenant. Display name and contact
// are not de-duplicated; callers own that if they care.
func (g Registry) CreateActor(ctx context.Context, tenantID, kind, displayName, contact string) (domain.Actor, error) {
	if tenantID == "" {
		return domain.Actor{}, errors.New("tenant_id required")
	}
	if displayName == "" {
		return domain.Actor{}, errors.New("display_name required")
	}
	switch kind {
	case domain.ActorHumanUser, domain.ActorServiceAccount, domain.ActorSystem:
	default:
		return domain.Actor{}, fmt.Errorf("unknown actor kind %s", kind)
	}
	a := domain.Actor{
		ID:          "actor-" + uuid.New().String(),
		TenantID:    tenantID,
		Kind:        kind,
		DisplayName: displayName,
		Contact:     contact,
		IsActive:    true,
		CreatedAt:   g.now().UTC().Format(time.RFC3339),
	}
	if err := g.Repo.InsertActor(ctx, a); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}

func (g Registry) GetActor(ctx context.Context, actorID string) (domain.Actor, error) {
	a, err := g.Repo.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return a, ErrActorNotFound
	}
	return a, err
}

// DeactivateActor flips the active flag; the record stays so historical
// sessions and tasks keep resolving.
func (g Registry) DeactivateActor(ctx context.Context, actorID string) error {
	err := g.Repo.SetActorActive(ctx, actorID, false)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrActorNotFound
	}
	return err
}

// CreateSession issues a time-bounded session for the actor. The tenant id is
// snapshotted from the actor at issuance and never re-derived.
func (g Registry) CreateSession(ctx context.Context, actorID string, duration time.Duration) (domain.Session, error) {
	actor, err := g.Repo.GetActor(ctx, actorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Session{}, ErrActorNotFound
	}
	if err != nil {
		return domain.Session{}, err
	}
	if !actor.IsActive {
		return domain.Session{}, ErrActorInactive
	}
	// session stamps keep full precision; plain RFC3339 would drop the
	// fractional second and shave the window short
	now := g.now().UTC()
	s := domain.Session{
		ID:        "session-" + uuid.New().String(),
		TenantID:  actor.TenantID,
		ActorID:   actor.ID,
		IssuedAt:  now.Format(time.RFC3339Nano),
		ExpiresAt: now.Add(duration).Format(time.RFC3339Nano),
	}
	if err := g.Repo.InsertSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	if g.Events != nil {
		if err := g.Events.AppendDirect(ctx, "session.created", s.TenantID, "session", s.ID, s.ActorID, nil); err != nil {
			return domain.Session{}, err
		}
	}
	return s, nil
}

// ResolveSession validates a session and returns the flattened actor context.
// The checks run in a fixed order so each failure mode is distinct. Resolution
// never mutates the session; repeated calls are idempotent.
func (g Registry) ResolveSession(ctx context.Context, sessionID, requiredTenantID string) (domain.ActorContext, error) {
	s, err := g.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorContext{}, ErrSessionNotFound
	}
	if err != nil {
		return domain.ActorContext{}, err
	}
	if s.RevokedAt != nil {
		return domain.ActorContext{}, ErrSessionRevoked
	}
	expires, err := time.Parse(time.RFC3339Nano, s.ExpiresAt)
	if err != nil {
		return domain.ActorContext{}, fmt.Errorf("parse expires_at: %w", err)
	}
	if g.now().UTC().After(expires) {
		return domain.ActorContext{}, ErrSessionExpired
	}
	if requiredTenantID != "" && requiredTenantID != s.TenantID {
		return domain.ActorContext{}, TenantMismatchError{Have: s.TenantID, Want: requiredTenantID}
	}
	// Actor and session stores are independent; re-check the actor even
	// though it existed at issuance.
	actor, err := g.Repo.GetActor(ctx, s.ActorID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.ActorContext{}, ErrActorNotFound
	}
	if err != nil {
		return domain.ActorContext{}, err
	}
	if !actor.IsActive {
		return domain.ActorContext{}, ErrActorInactive
	}
	return domain.ActorContext{
		TenantID:  s.TenantID,
		ActorID:   actor.ID,
		SessionID: s.ID,
		ActorKind: actor.Kind,
	}, nil
}

// RevokeSession stamps revoked_at once. Revoking an already-revoked or
// unknown session is a no-op and emits no event.
func (g Registry) RevokeSession(ctx context.Context, sessionID string) error {
	s, err := g.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.RevokedAt != nil {
		return nil
	}
	if err := g.Repo.MarkSessionRevoked(ctx, sessionID, g.now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if g.Events != nil {
		return g.Events.AppendDirect(ctx, "session.revoked", s.TenantID, "session", s.ID, s.ActorID, nil)
	}
	return nil
}
