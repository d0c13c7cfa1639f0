package server

import (
	"encoding/json"

	"casedesk/internal/domain"
)

// Request payloads

type CreateDerivationRequest struct {
	ID       *string `json:"id,omitempty"`
	CaseID   string  `json:"case_id" minLength:"1"`
	ToUserID string  `json:"to_user_id" minLength:"1"`
	Reason   string  `json:"reason,omitempty"`
	Priority string  `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Comment  string  `json:"comment,omitempty"`
}

type TerminateDerivationRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateUserRequest struct {
	ID    *string  `json:"id,omitempty"`
	Name  string   `json:"name" minLength:"1"`
	Email string   `json:"email,omitempty"`
	Roles []string `json:"roles,omitempty"`
}

type RoleRequest struct {
	Role string `json:"role" enum:"admin,staff"`
}

type OpenCaseRequest struct {
	ID         *string `json:"id,omitempty"`
	Title      string  `json:"title" minLength:"1"`
	ClientName string  `json:"client_name,omitempty"`
	Balance    int64   `json:"balance,omitempty"`
	OwnerID    string  `json:"owner_id,omitempty"`
}

type StaffCaseRequest struct {
	UserID string `json:"user_id" minLength:"1"`
}

type SetBalanceRequest struct {
	Balance int64 `json:"balance"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID      string   `json:"user_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type DerivationResponse struct {
	domain.DerivationDetail
	State domain.DerivationState `json:"state" enum:"pending,viewed,cancelled,rejected,accepted"`
}

type ViewDerivationResponse struct {
	Derivation    DerivationResponse `json:"derivation"`
	AlreadyViewed bool               `json:"already_viewed"`
	Message       string             `json:"message,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is only returned when the key is created.
	Key string `json:"key,omitempty"`
}

type UserResponse struct {
	domain.User
	Roles []string `json:"roles"`
}

type WhoAmIResponse struct {
	UserID      string   `json:"user_id"`
	Source      string   `json:"source"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedDerivations struct {
	Items      []DerivationResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedNotifications struct {
	Items      []domain.Notification `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func derivationResponse(d domain.DerivationDetail) DerivationResponse {
	return DerivationResponse{DerivationDetail: d, State: d.State()}
}

func mapDerivations(items []domain.DerivationDetail) []DerivationResponse {
	out := make([]DerivationResponse, 0, len(items))
	for _, d := range items {
		out = append(out, derivationResponse(d))
	}
	return out
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		UserID:    k.UserID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plain,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		CaseID:     e.CaseID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
