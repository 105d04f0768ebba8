package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldgate/internal/config"
	"fieldgate/internal/engine/auth"
	"fieldgate/internal/repo"
)

// ResolveOrgAndConfig picks the active organization and ensures an org +
// config exist in DB, seeding defaults if missing. It prefers the
// override, then the config file, then the built-in default org.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	orgID := orgOverride
	if orgID == "" && fileCfg != nil {
		orgID = fileCfg.Org.ID
	}
	if orgID == "" {
		orgID = "default-org"
	}
	seedCfg := fileCfg
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	seedCfg.Org.ID = orgID

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := seedOrg(ctx, r, orgID, seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetOrgConfig(ctx, orgID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertOrgConfig(ctx, orgID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed org config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// seedOrg inserts a minimal org/rbac footprint using the seed config.
func seedOrg(ctx context.Context, r repo.Repo, orgID string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(orgID)
	}
	name := seedCfg.Org.Name
	if name == "" {
		name = "Default Organization"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, name, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if err := r.UpsertOrgConfigTx(ctx, tx, orgID, seedCfg); err != nil {
		return fmt.Errorf("insert org config: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, "", now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignOrgRole(ctx, tx, orgID, actorID, auth.RoleAdmin); err != nil {
		return fmt.Errorf("assign org role: %w", err)
	}
	return tx.Commit()
}
