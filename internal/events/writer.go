package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"casedesk/internal/db"
	"casedesk/internal/domain"
)

const (
	DerivationCreated   = "derivation.created"
	DerivationCancelled = "derivation.cancelled"
	DerivationRejected  = "derivation.rejected"
	DerivationViewed    = "derivation.viewed"
	CaseOpened          = "case.opened"
	CaseStaffed         = "case.staffed"
	CaseClosed          = "case.closed"
	CaseBalanceSet      = "case.balance_set"
	UserCreated         = "user.created"
	UserDeactivated     = "user.deactivated"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append writes an audit event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, caseID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := domain.FormatTime(w.Now())
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := `INSERT INTO events(ts,type,case_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	if w.Dialect == db.Postgres {
		query = numbered(query)
	}
	_, err = tx.ExecContext(ctx, query, ts, evtType, nullable(caseID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func numbered(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
