package domain

import "time"

// TimeFormat is the fixed-width UTC layout used for every stored timestamp so
// that string ordering matches chronological ordering.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

const (
	CaseActive = "active"
	CaseClosed = "closed"
)

type Case struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ClientName string `json:"client_name,omitempty"`
	Status     string `json:"status" enum:"active,closed"`
	// Balance is the outstanding amount in minor currency units.
	Balance   int64  `json:"balance"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

func (c Case) IsActive() bool { return c.Status == CaseActive }

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Assignment is one interval during which a user was the responsible owner of a case.
type Assignment struct {
	ID           string  `json:"id"`
	CaseID       string  `json:"case_id"`
	UserID       string  `json:"user_id"`
	DerivationID *string `json:"derivation_id,omitempty"`
	AssignedAt   string  `json:"assigned_at" format:"date-time"`
	RevokedAt    *string `json:"revoked_at,omitempty" format:"date-time"`
	IsActive     bool    `json:"is_active"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type TerminationKind string

const (
	TerminationCancelled TerminationKind = "cancelled"
	TerminationRejected  TerminationKind = "rejected"
	TerminationAccepted  TerminationKind = "accepted"
)

// Termination records why a derivation left the active phase.
type Termination struct {
	Kind   TerminationKind `json:"kind" enum:"cancelled,rejected,accepted"`
	Reason string          `json:"reason,omitempty"`
	At     string          `json:"at" format:"date-time"`
	By     string          `json:"by"`
}

// Describe renders the human-readable termination reason.
func (t Termination) Describe() string {
	switch t.Kind {
	case TerminationRejected:
		return "rejected by receiver: " + t.Reason
	case TerminationCancelled:
		if t.Reason == "" {
			return "cancelled by sender"
		}
		return t.Reason
	default:
		return t.Reason
	}
}

type DerivationState string

const (
	StatePending   DerivationState = "pending"
	StateViewed    DerivationState = "viewed"
	StateCancelled DerivationState = "cancelled"
	StateRejected  DerivationState = "rejected"
	StateAccepted  DerivationState = "accepted"
)

// Derivation is one recorded handoff of case ownership.
type Derivation struct {
	ID          string       `json:"id"`
	CaseID      string       `json:"case_id"`
	FromUserID  string       `json:"from_user_id"`
	ToUserID    string       `json:"to_user_id"`
	Reason      string       `json:"reason,omitempty"`
	Priority    Priority     `json:"priority" enum:"low,normal,high,urgent"`
	Comment     string       `json:"comment,omitempty"`
	IsActive    bool         `json:"is_active"`
	IsViewed    bool         `json:"is_viewed"`
	ViewedAt    *string      `json:"viewed_at,omitempty" format:"date-time"`
	IsAccepted  bool         `json:"is_accepted"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	Termination *Termination `json:"termination,omitempty"`
}

// State derives the state-machine position from the stored flags.
func (d Derivation) State() DerivationState {
	if !d.IsActive {
		if d.Termination != nil {
			switch d.Termination.Kind {
			case TerminationCancelled:
				return StateCancelled
			case TerminationRejected:
				return StateRejected
			}
		}
		return StateAccepted
	}
	if d.IsViewed {
		return StateViewed
	}
	return StatePending
}

type CaseSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Balance int64  `json:"balance"`
}

type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// DerivationDetail is a derivation with the denormalized case and user summaries.
type DerivationDetail struct {
	Derivation
	Case     CaseSummary `json:"case"`
	FromUser UserSummary `json:"from_user"`
	ToUser   UserSummary `json:"to_user"`
}

type Notification struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Route     string  `json:"route,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
}

type Stats struct {
	ReceivedPending  int `json:"received_pending"`
	ReceivedUnviewed int `json:"received_unviewed"`
	SentPending      int `json:"sent_pending"`
	CasesWithBalance int `json:"cases_with_balance"`
	Terminated       int `json:"terminated"`
	TotalActive      int `json:"total_active"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	CaseID     string `json:"case_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
