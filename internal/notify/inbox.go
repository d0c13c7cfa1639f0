// Package notify delivers workflow notifications: a transactional inbox row
// plus best-effort publishers for Redis and Kafka.
package notify

import (
	"context"
	"database/sql"

	"casedesk/internal/domain"
	"casedesk/internal/repo"
)

// Inbox writes notifications to the notifications table of the caller's
// transaction. The insert runs under a savepoint so a failure leaves the
// transaction usable.
type Inbox struct {
	Repo repo.Repo
}

func (i Inbox) Enqueue(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	return i.Repo.Savepoint(ctx, tx, "notify_inbox", func() error {
		return i.Repo.InsertNotification(ctx, tx, n)
	})
}
