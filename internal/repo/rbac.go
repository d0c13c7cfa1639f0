package repo

import (
	"context"
	"database/sql"
)

// AssignRole grants roleID to userID; granting an existing role is a no-op.
func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := r.exec(ctx, tx, `INSERT INTO user_roles(user_id, role_id) VALUES (?,?) ON CONFLICT DO NOTHING`, userID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	_, err := r.exec(ctx, tx, `DELETE FROM user_roles WHERE user_id=? AND role_id=?`, userID, roleID)
	return err
}

func (r Repo) UserRoles(ctx context.Context, q Queryer, userID string) ([]string, error) {
	return r.strings(ctx, q, `SELECT role_id FROM user_roles WHERE user_id=? ORDER BY role_id`, userID)
}

// UserPermissions resolves the permissions granted through the user's roles.
func (r Repo) UserPermissions(ctx context.Context, q Queryer, userID string) ([]string, error) {
	return r.strings(ctx, q, `SELECT DISTINCT rp.permission_id FROM user_roles ur
		JOIN role_permissions rp ON rp.role_id=ur.role_id
		WHERE ur.user_id=? ORDER BY rp.permission_id`, userID)
}

func (r Repo) strings(ctx context.Context, q Queryer, query string, args ...any) ([]string, error) {
	rows, err := r.query(ctx, q, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
