package repo

import (
	"context"
	"database/sql"

	"casedesk/internal/domain"
)

const assignmentColumns = `id,case_id,user_id,derivation_id,assigned_at,revoked_at,is_active`

func scanAssignment(row interface{ Scan(...any) error }) (domain.Assignment, error) {
	var a domain.Assignment
	var derivationID, revokedAt sql.NullString
	err := row.Scan(&a.ID, &a.CaseID, &a.UserID, &derivationID, &a.AssignedAt, &revokedAt, &a.IsActive)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DerivationID = stringPtr(derivationID)
	a.RevokedAt = stringPtr(revokedAt)
	return a, nil
}

// ActiveAssignment returns the single active assignment of a case.
func (r Repo) ActiveAssignment(ctx context.Context, q Queryer, caseID string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, q, `SELECT `+assignmentColumns+` FROM assignments WHERE case_id=? AND is_active LIMIT 1`, caseID))
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.exec(ctx, tx, `INSERT INTO assignments(id,case_id,user_id,derivation_id,assigned_at,revoked_at,is_active) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.UserID, nullableStringPtr(a.DerivationID), a.AssignedAt, nullableStringPtr(a.RevokedAt), a.IsActive)
	return err
}

// DeactivateAssignment revokes the active assignment of caseID only if it is
// held by userID. It reports whether a row was revoked.
func (r Repo) DeactivateAssignment(ctx context.Context, tx *sql.Tx, caseID, userID, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE assignments SET is_active=?, revoked_at=? WHERE case_id=? AND user_id=? AND is_active`,
		false, now, caseID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeactivateDerivedAssignment revokes the assignment activated by a derivation
// if it is still the active one.
func (r Repo) DeactivateDerivedAssignment(ctx context.Context, tx *sql.Tx, derivationID, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE assignments SET is_active=?, revoked_at=? WHERE derivation_id=? AND is_active`,
		false, now, derivationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestAssignmentFor returns the most recent assignment of userID on caseID.
func (r Repo) LatestAssignmentFor(ctx context.Context, q Queryer, caseID, userID string) (domain.Assignment, error) {
	return scanAssignment(r.queryRow(ctx, q, `SELECT `+assignmentColumns+` FROM assignments
		WHERE case_id=? AND user_id=? ORDER BY assigned_at DESC, id DESC LIMIT 1`, caseID, userID))
}

// ReactivateAssignment makes a revoked assignment the active one again.
func (r Repo) ReactivateAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := r.exec(ctx, tx, `UPDATE assignments SET is_active=?, revoked_at=NULL WHERE id=? AND NOT is_active`, true, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignmentHistory lists every assignment of a case, oldest first.
func (r Repo) AssignmentHistory(ctx context.Context, caseID string) ([]domain.Assignment, error) {
	rows, err := r.query(ctx, nil, `SELECT `+assignmentColumns+` FROM assignments WHERE case_id=? ORDER BY assigned_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountActiveAssignments reports how many assignments of a case are active.
func (r Repo) CountActiveAssignments(ctx context.Context, caseID string) (int, error) {
	var n int
	err := r.queryRow(ctx, nil, `SELECT COUNT(*) FROM assignments WHERE case_id=? AND is_active`, caseID).Scan(&n)
	return n, err
}
