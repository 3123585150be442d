package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"veriflow/internal/db"
	"veriflow/internal/domain"
	"veriflow/internal/identity"
	"veriflow/internal/migrate"
	"veriflow/internal/repo"
)

type testEnv struct {
	Registry identity.Registry
	Repo     repo.Repo
	Ctx      context.Context
	Clock    *time.Time
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
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "t1", Name: "Tenant One", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	if err := r.InsertTenant(ctx, domain.Tenant{ID: "t2", Name: "Tenant Two", Status: "active", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{Repo: r, Ctx: ctx, Clock: &clock}
	reg := identity.NewRegistry(r)
	reg.Now = func() time.Time { return *env.Clock }
	env.Registry = reg
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.Clock = env.Clock.Add(d)
}

func TestCreateAndGetActor(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("create actor: %v", err)
	}
	if a.ID == "" || a.TenantID != "t1" || !a.IsActive {
		t.Fatalf("unexpected actor: %+v", a)
	}
	got, err := env.Registry.GetActor(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("get actor: %v", err)
	}
	if got.DisplayName != "Ada" || got.Kind != domain.ActorHumanUser {
		t.Fatalf("unexpected actor: %+v", got)
	}
	if _, err := env.Registry.GetActor(env.Ctx, "actor-nope"); !errors.Is(err, identity.ErrActorNotFound) {
		t.Fatalf("expected ErrActorNotFound, got %v", err)
	}
}

func TestCreateActorValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Registry.CreateActor(env.Ctx, "t1", "ROBOT", "R", ""); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if _, err := env.Registry.CreateActor(env.Ctx, "", domain.ActorHumanUser, "A", ""); err == nil {
		t.Fatal("expected error for missing tenant")
	}
	if _, err := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "", ""); err == nil {
		t.Fatal("expected error for missing display name")
	}
}

func TestResolveSessionHappyPath(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	s, err := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if s.TenantID != "t1" {
		t.Fatalf("session tenant not snapshotted: %+v", s)
	}
	ac, err := env.Registry.ResolveSession(env.Ctx, s.ID, "t1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ac.ActorID != a.ID || ac.TenantID != "t1" || ac.SessionID != s.ID || ac.ActorKind != domain.ActorHumanUser {
		t.Fatalf("unexpected context: %+v", ac)
	}
	// resolving again works, resolution is read-only
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
}

func TestCreateSessionForInactiveActor(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	if err := env.Registry.DeactivateActor(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour); !errors.Is(err, identity.ErrActorInactive) {
		t.Fatalf("expected ErrActorInactive, got %v", err)
	}
	if _, err := env.Registry.CreateSession(env.Ctx, "actor-nope", time.Hour); !errors.Is(err, identity.ErrActorNotFound) {
		t.Fatalf("expected ErrActorNotFound, got %v", err)
	}
}

func TestResolveSessionForDeactivatedActor(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, _ := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)

	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); err != nil {
		t.Fatalf("resolve before deactivation: %v", err)
	}
	if err := env.Registry.DeactivateActor(env.Ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	// deactivation cuts off every live session immediately
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); !errors.Is(err, identity.ErrActorInactive) {
		t.Fatalf("expected ErrActorInactive, got %v", err)
	}
}

func TestResolveSessionNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Registry.ResolveSession(env.Ctx, "session-nope", ""); !errors.Is(err, identity.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRevokeSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, _ := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)

	if err := env.Registry.RevokeSession(env.Ctx, s.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	got, err := env.Repo.GetSession(env.Ctx, s.ID)
	if err != nil || got.RevokedAt == nil {
		t.Fatalf("revoked_at not stamped: %+v err=%v", got, err)
	}
	first := *got.RevokedAt

	// second revoke at a later time must not move the stamp
	env.advance(10 * time.Minute)
	if err := env.Registry.RevokeSession(env.Ctx, s.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	got, _ = env.Repo.GetSession(env.Ctx, s.ID)
	if got.RevokedAt == nil || *got.RevokedAt != first {
		t.Fatalf("revoked_at changed on re-revoke: %v != %v", got.RevokedAt, first)
	}

	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); !errors.Is(err, identity.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
	// revoking an unknown session is a no-op
	if err := env.Registry.RevokeSession(env.Ctx, "session-nope"); err != nil {
		t.Fatalf("revoke unknown: %v", err)
	}
}

func TestSessionExpiryBoundary(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, err := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	// exactly at expires_at the session is still valid
	env.advance(time.Hour)
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); err != nil {
		t.Fatalf("resolve at boundary: %v", err)
	}

	// one second past, it is expired
	env.advance(time.Second)
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); !errors.Is(err, identity.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSessionExpirySubSecondBoundary(t *testing.T) {
	env := newTestEnv(t)
	// issue off the whole second so the stamps carry a fractional part
	*env.Clock = env.Clock.Add(800 * time.Millisecond)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, err := env.Registry.CreateSession(env.Ctx, a.ID, 1500*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}

	env.advance(1400 * time.Millisecond)
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); err != nil {
		t.Fatalf("resolve inside window: %v", err)
	}

	// exactly issued_at + duration is still valid
	env.advance(100 * time.Millisecond)
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); err != nil {
		t.Fatalf("resolve at boundary: %v", err)
	}

	env.advance(time.Millisecond)
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); !errors.Is(err, identity.ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestResolveSessionTenantMismatch(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, _ := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)

	_, err := env.Registry.ResolveSession(env.Ctx, s.ID, "t2")
	var tm identity.TenantMismatchError
	if !errors.As(err, &tm) {
		t.Fatalf("expected TenantMismatchError, got %v", err)
	}
	if tm.Have != "t1" || tm.Want != "t2" {
		t.Fatalf("unexpected mismatch: %+v", tm)
	}

	// mismatch is reported even when the session is also expired or revoked
	// only if the earlier checks pass; revocation wins over tenant mismatch.
	if err := env.Registry.RevokeSession(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, "t2"); !errors.Is(err, identity.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked before tenant check, got %v", err)
	}
}

func TestResolveSessionChecksOrder(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.Registry.CreateActor(env.Ctx, "t1", domain.ActorHumanUser, "Ada", "")
	s, _ := env.Registry.CreateSession(env.Ctx, a.ID, time.Hour)

	// revoked and expired: revoked wins
	env.advance(2 * time.Hour)
	if err := env.Registry.RevokeSession(env.Ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Registry.ResolveSession(env.Ctx, s.ID, ""); !errors.Is(err, identity.ErrSessionRevoked) {
		t.Fatalf("expected ErrSessionRevoked, got %v", err)
	}
}
