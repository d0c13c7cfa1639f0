package repo

import (
	"context"
	"database/sql"

	"casedesk/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := r.exec(ctx, tx, `INSERT INTO notifications(id,user_id,title,message,route,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.UserID, n.Title, n.Message, nullable(n.Route), n.CreatedAt)
	return err
}

type NotificationFilters struct {
	UserID          string
	UnreadOnly      bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT id,user_id,title,message,COALESCE(route,''),created_at,read_at FROM notifications WHERE user_id=?`
	args := []any{f.UserID}
	if f.UnreadOnly {
		query += ` AND read_at IS NULL`
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var readAt sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &n.Route, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		n.ReadAt = stringPtr(readAt)
		res = append(res, n)
	}
	return res, rows.Err()
}

// MarkNotificationRead stamps read_at for a notification owned by userID.
func (r Repo) MarkNotificationRead(ctx context.Context, userID, id, now string) error {
	res, err := r.exec(ctx, nil, `UPDATE notifications SET read_at=COALESCE(read_at, ?) WHERE id=? AND user_id=?`, now, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
