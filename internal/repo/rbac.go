package repo

import (
	"context"
	"database/sql"

	"fieldgate/internal/engine/auth"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID, name, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, name, created_at) VALUES (?,?,?)`, actorID, nullable(name), now)
	return err
}

// AssignOrgRole sets the actor's single role in the organization,
// replacing any previous one.
func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string, role auth.Role) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO org_roles(org_id, actor_id, role) VALUES (?,?,?)
ON CONFLICT(org_id, actor_id) DO UPDATE SET role=excluded.role`, orgID, actorID, string(role))
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	return err
}

// ActorOrgRole returns the actor's role in the org, or ErrNotFound.
func (r Repo) ActorOrgRole(ctx context.Context, orgID, actorID string) (auth.Role, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND actor_id=?`, orgID, actorID).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return auth.ParseRole(raw)
}

// ListOrgRoles returns actor id to role for an organization.
func (r Repo) ListOrgRoles(ctx context.Context, orgID string) (map[string]auth.Role, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role FROM org_roles WHERE org_id=?`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]auth.Role{}
	for rows.Next() {
		var actorID, raw string
		if err := rows.Scan(&actorID, &raw); err != nil {
			return nil, err
		}
		role, err := auth.ParseRole(raw)
		if err != nil {
			// skip rows with roles this build no longer knows
			continue
		}
		res[actorID] = role
	}
	return res, rows.Err()
}
