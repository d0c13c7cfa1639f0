package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"casedesk/internal/db"
	"casedesk/internal/domain"
)

type Repo struct {
	DB *db.Conn
}

var ErrNotFound = errors.New("not found")

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q rewrites ? placeholders to $n for postgres.
func (r Repo) q(query string) string {
	if r.DB == nil || r.DB.Dialect != db.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// on falls back to the pool when q is nil or a nil *sql.Tx.
func (r Repo) on(q Queryer) Queryer {
	if tx, ok := q.(*sql.Tx); q == nil || (ok && tx == nil) {
		return r.DB
	}
	return q
}

func (r Repo) exec(ctx context.Context, q Queryer, query string, args ...any) (sql.Result, error) {
	return r.on(q).ExecContext(ctx, r.q(query), args...)
}

func (r Repo) query(ctx context.Context, q Queryer, query string, args ...any) (*sql.Rows, error) {
	return r.on(q).QueryContext(ctx, r.q(query), args...)
}

func (r Repo) queryRow(ctx context.Context, q Queryer, query string, args ...any) *sql.Row {
	return r.on(q).QueryRowContext(ctx, r.q(query), args...)
}

// Savepoint runs fn inside a savepoint of tx; on error the savepoint is rolled
// back and the surrounding transaction stays usable.
func (r Repo) Savepoint(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// --- users ---

const userColumns = `id,name,COALESCE(email,''),active,created_at`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.Active, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.exec(ctx, tx, `INSERT INTO users(id,name,email,active,created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Name, nullable(u.Email), u.Active, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, q Queryer, id string) (domain.User, error) {
	return scanUser(r.queryRow(ctx, q, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) SetUserActive(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := r.exec(ctx, tx, `UPDATE users SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUsers(ctx context.Context, activeOnly bool) ([]domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name, id`
	rows, err := r.query(ctx, nil, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// --- cases ---

const caseColumns = `id,title,COALESCE(client_name,''),status,balance,created_at,updated_at`

func scanCase(row interface{ Scan(...any) error }) (domain.Case, error) {
	var c domain.Case
	err := row.Scan(&c.ID, &c.Title, &c.ClientName, &c.Status, &c.Balance, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := r.exec(ctx, tx, `INSERT INTO cases(id,title,client_name,status,balance,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.ClientName), c.Status, c.Balance, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, q Queryer, id string) (domain.Case, error) {
	return scanCase(r.queryRow(ctx, q, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) UpdateCaseStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.exec(ctx, tx, `UPDATE cases SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdateCaseBalance(ctx context.Context, tx *sql.Tx, id string, balance int64, now string) error {
	res, err := r.exec(ctx, tx, `UPDATE cases SET balance=?, updated_at=? WHERE id=?`, balance, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type CaseFilters struct {
	Status          string
	ResponsibleID   string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ResponsibleID != "" {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM assignments a WHERE a.case_id=cases.id AND a.is_active AND a.user_id=?)")
		args = append(args, f.ResponsibleID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
