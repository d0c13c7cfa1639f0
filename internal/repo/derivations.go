package repo

import (
	"context"
	"database/sql"
	"strings"

	"casedesk/internal/domain"
)

const derivationColumns = `d.id,d.case_id,d.from_user_id,d.to_user_id,COALESCE(d.reason,''),d.priority,COALESCE(d.comment,''),
	d.is_active,d.is_viewed,d.viewed_at,d.is_accepted,d.created_at,
	d.termination_kind,COALESCE(d.termination_reason,''),d.terminated_at,d.terminated_by`

func scanDerivation(row interface{ Scan(...any) error }, extra ...any) (domain.Derivation, error) {
	var d domain.Derivation
	var priority string
	var viewedAt, kind, terminatedAt, terminatedBy sql.NullString
	var termReason string
	dest := []any{&d.ID, &d.CaseID, &d.FromUserID, &d.ToUserID, &d.Reason, &priority, &d.Comment,
		&d.IsActive, &d.IsViewed, &viewedAt, &d.IsAccepted, &d.CreatedAt,
		&kind, &termReason, &terminatedAt, &terminatedBy}
	dest = append(dest, extra...)
	err := row.Scan(dest...)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.Priority = domain.Priority(priority)
	d.ViewedAt = stringPtr(viewedAt)
	if kind.Valid {
		d.Termination = &domain.Termination{
			Kind:   domain.TerminationKind(kind.String),
			Reason: termReason,
			At:     terminatedAt.String,
			By:     terminatedBy.String,
		}
	}
	return d, nil
}

func (r Repo) InsertDerivation(ctx context.Context, tx *sql.Tx, d domain.Derivation) error {
	_, err := r.exec(ctx, tx, `INSERT INTO derivations(id,case_id,from_user_id,to_user_id,reason,priority,comment,is_active,is_viewed,is_accepted,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.CaseID, d.FromUserID, d.ToUserID, nullable(d.Reason), string(d.Priority), nullable(d.Comment),
		d.IsActive, d.IsViewed, d.IsAccepted, d.CreatedAt)
	return err
}

func (r Repo) GetDerivation(ctx context.Context, q Queryer, id string) (domain.Derivation, error) {
	return scanDerivation(r.queryRow(ctx, q, `SELECT `+derivationColumns+` FROM derivations d WHERE d.id=?`, id))
}

const detailJoin = ` FROM derivations d
	JOIN cases c ON c.id=d.case_id
	JOIN users fu ON fu.id=d.from_user_id
	JOIN users tu ON tu.id=d.to_user_id`

const detailColumns = `,c.id,c.title,c.status,c.balance,fu.id,fu.name,COALESCE(fu.email,''),tu.id,tu.name,COALESCE(tu.email,'')`

func scanDetail(row interface{ Scan(...any) error }) (domain.DerivationDetail, error) {
	var det domain.DerivationDetail
	d, err := scanDerivation(row,
		&det.Case.ID, &det.Case.Title, &det.Case.Status, &det.Case.Balance,
		&det.FromUser.ID, &det.FromUser.Name, &det.FromUser.Email,
		&det.ToUser.ID, &det.ToUser.Name, &det.ToUser.Email)
	if err != nil {
		return det, err
	}
	det.Derivation = d
	return det, nil
}

// GetDerivationDetail loads a derivation with its case and user summaries.
func (r Repo) GetDerivationDetail(ctx context.Context, q Queryer, id string) (domain.DerivationDetail, error) {
	return scanDetail(r.queryRow(ctx, q, `SELECT `+derivationColumns+detailColumns+detailJoin+` WHERE d.id=?`, id))
}

// TerminateDerivation moves an active derivation to a terminal state. When
// requireUnviewed is set the update only applies to derivations not yet viewed.
// It reports whether the row changed.
func (r Repo) TerminateDerivation(ctx context.Context, tx *sql.Tx, id string, t domain.Termination, requireUnviewed bool) (bool, error) {
	query := `UPDATE derivations SET is_active=?, termination_kind=?, termination_reason=?, terminated_at=?, terminated_by=?
		WHERE id=? AND is_active`
	if requireUnviewed {
		query += ` AND NOT is_viewed`
	}
	res, err := r.exec(ctx, tx, query, false, string(t.Kind), nullable(t.Reason), t.At, t.By, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkDerivationViewed sets the viewed flag once. It reports whether the row changed.
func (r Repo) MarkDerivationViewed(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := r.exec(ctx, tx, `UPDATE derivations SET is_viewed=?, viewed_at=? WHERE id=? AND NOT is_viewed`, true, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type DerivationFilters struct {
	CaseID     string
	FromUserID string
	ToUserID   string
	// InvolvingUserID matches derivations sent or received by the user.
	InvolvingUserID string
	IsActive        *bool
	IsViewed        *bool
	IsAccepted      *bool
	Priority        string
	Ascending       bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListDerivations(ctx context.Context, f DerivationFilters) ([]domain.DerivationDetail, error) {
	var clauses []string
	var args []any
	if f.CaseID != "" {
		clauses = append(clauses, "d.case_id=?")
		args = append(args, f.CaseID)
	}
	if f.FromUserID != "" {
		clauses = append(clauses, "d.from_user_id=?")
		args = append(args, f.FromUserID)
	}
	if f.ToUserID != "" {
		clauses = append(clauses, "d.to_user_id=?")
		args = append(args, f.ToUserID)
	}
	if f.InvolvingUserID != "" {
		clauses = append(clauses, "(d.from_user_id=? OR d.to_user_id=?)")
		args = append(args, f.InvolvingUserID, f.InvolvingUserID)
	}
	if f.IsActive != nil {
		clauses = append(clauses, "d.is_active=?")
		args = append(args, *f.IsActive)
	}
	if f.IsViewed != nil {
		clauses = append(clauses, "d.is_viewed=?")
		args = append(args, *f.IsViewed)
	}
	if f.IsAccepted != nil {
		clauses = append(clauses, "d.is_accepted=?")
		args = append(args, *f.IsAccepted)
	}
	if f.Priority != "" {
		clauses = append(clauses, "d.priority=?")
		args = append(args, f.Priority)
	}
	order := "DESC"
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		if f.Ascending {
			clauses = append(clauses, "(d.created_at > ? OR (d.created_at = ? AND d.id > ?))")
		} else {
			clauses = append(clauses, "(d.created_at < ? OR (d.created_at = ? AND d.id < ?))")
		}
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	if f.Ascending {
		order = "ASC"
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + derivationColumns + detailColumns + detailJoin + where +
		` ORDER BY d.created_at ` + order + `, d.id ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DerivationDetail
	for rows.Next() {
		det, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, det)
	}
	return res, rows.Err()
}

// DerivationStats computes the per-user dashboard counters.
func (r Repo) DerivationStats(ctx context.Context, userID string) (domain.Stats, error) {
	var s domain.Stats
	counts := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&s.ReceivedPending, `SELECT COUNT(*) FROM derivations WHERE to_user_id=? AND is_active`, []any{userID}},
		{&s.ReceivedUnviewed, `SELECT COUNT(*) FROM derivations WHERE to_user_id=? AND is_active AND NOT is_viewed`, []any{userID}},
		{&s.SentPending, `SELECT COUNT(*) FROM derivations WHERE from_user_id=? AND is_active`, []any{userID}},
		{&s.CasesWithBalance, `SELECT COUNT(DISTINCT d.case_id) FROM derivations d JOIN cases c ON c.id=d.case_id WHERE d.is_active AND c.balance > 0`, nil},
		{&s.Terminated, `SELECT COUNT(*) FROM derivations WHERE (from_user_id=? OR to_user_id=?) AND NOT is_active`, []any{userID, userID}},
		{&s.TotalActive, `SELECT COUNT(*) FROM derivations WHERE (from_user_id=? OR to_user_id=?) AND is_active`, []any{userID, userID}},
	}
	for _, c := range counts {
		if err := r.queryRow(ctx, nil, c.query, c.args...).Scan(c.dest); err != nil {
			return domain.Stats{}, err
		}
	}
	return s, nil
}
