package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"veriflow/internal/config"
	"veriflow/internal/domain"
	"veriflow/internal/repo"
)

// ResolveTenantAndConfig picks the active tenant and makes sure it exists in
// the database. Config comes from veriflow.yml when present, otherwise the
// built-in defaults; the tenant override wins over the file.
func ResolveTenantAndConfig(ctx context.Context, workspace, tenantOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	tenantID := tenantOverride
	if tenantID == "" && cfg != nil {
		tenantID = cfg.Tenant.ID
	}
	if tenantID == "" {
		return "", nil, fmt.Errorf("tenant not specified; set tenant.id in %s or use --tenant", config.Path(workspace))
	}
	if cfg == nil {
		cfg = config.Default(tenantID)
	}
	if err := ensureTenant(ctx, r, tenantID, cfg.Tenant.Name); err != nil {
		return "", nil, err
	}
	cfg.Tenant.ID = tenantID
	return tenantID, cfg, nil
}

func ensureTenant(ctx context.Context, r repo.Repo, tenantID, name string) error {
	_, err := r.GetTenant(ctx, tenantID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if name == "" {
		name = tenantID
	}
	return r.InsertTenant(ctx, domain.Tenant{
		ID:        tenantID,
		Name:      name,
		Status:    "active",
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// EnsureSystemActor returns the tenant's SYSTEM actor, creating it on first
// use. Engine-internal writes (wait releases, seeding) attribute to it.
func EnsureSystemActor(ctx context.Context, r repo.Repo, tenantID string) (domain.Actor, error) {
	id := "actor-system-" + tenantID
	a, err := r.GetActor(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	a = domain.Actor{
		ID:          id,
		TenantID:    tenantID,
		Kind:        domain.ActorSystem,
		DisplayName: "System",
		IsActive:    true,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertActor(ctx, a); err != nil {
		return domain.Actor{}, err
	}
	return a, nil
}
