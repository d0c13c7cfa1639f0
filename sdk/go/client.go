package casedesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Casedesk HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// CaseSummary is the case snapshot embedded in derivations.
type CaseSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Balance int64  `json:"balance"`
}

// UserSummary is the user snapshot embedded in derivations.
type UserSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// Termination explains why a derivation is no longer active.
type Termination struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	At     string `json:"at"`
	By     string `json:"by"`
}

// Derivation represents a case handoff.
type Derivation struct {
	ID          string       `json:"id"`
	CaseID      string       `json:"case_id"`
	FromUserID  string       `json:"from_user_id"`
	ToUserID    string       `json:"to_user_id"`
	Reason      string       `json:"reason,omitempty"`
	Priority    string       `json:"priority"`
	Comment     string       `json:"comment,omitempty"`
	IsActive    bool         `json:"is_active"`
	IsViewed    bool         `json:"is_viewed"`
	ViewedAt    *string      `json:"viewed_at,omitempty"`
	IsAccepted  bool         `json:"is_accepted"`
	CreatedAt   string       `json:"created_at"`
	Termination *Termination `json:"termination,omitempty"`
	State       string       `json:"state"`
	Case        CaseSummary  `json:"case"`
	FromUser    UserSummary  `json:"from_user"`
	ToUser      UserSummary  `json:"to_user"`
}

// CreateDerivationInput is the body of a handoff request.
type CreateDerivationInput struct {
	ID       string `json:"id,omitempty"`
	CaseID   string `json:"case_id"`
	ToUserID string `json:"to_user_id"`
	Reason   string `json:"reason,omitempty"`
	Priority string `json:"priority,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// ListOptions filters derivation listings. Nil booleans are not sent.
type ListOptions struct {
	CaseID   string
	Priority string
	IsActive *bool
	IsViewed *bool
	Limit    int
	Cursor   string
}

func (o ListOptions) values() url.Values {
	v := url.Values{}
	if o.CaseID != "" {
		v.Set("case_id", o.CaseID)
	}
	if o.Priority != "" {
		v.Set("priority", o.Priority)
	}
	if o.IsActive != nil {
		v.Set("is_active", strconv.FormatBool(*o.IsActive))
	}
	if o.IsViewed != nil {
		v.Set("is_viewed", strconv.FormatBool(*o.IsViewed))
	}
	if o.Limit > 0 {
		v.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Cursor != "" {
		v.Set("cursor", o.Cursor)
	}
	return v
}

// PaginatedDerivations wraps list responses with cursors.
type PaginatedDerivations struct {
	Items      []Derivation `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// ViewResult is returned by MarkViewed.
type ViewResult struct {
	Derivation    Derivation `json:"derivation"`
	AlreadyViewed bool       `json:"already_viewed"`
	Message       string     `json:"message,omitempty"`
}

// Stats are the dashboard counters of the calling user.
type Stats struct {
	ReceivedPending  int `json:"received_pending"`
	ReceivedUnviewed int `json:"received_unviewed"`
	SentPending      int `json:"sent_pending"`
	CasesWithBalance int `json:"cases_with_balance"`
	Terminated       int `json:"terminated"`
	TotalActive      int `json:"total_active"`
}

// Notification is one inbox entry.
type Notification struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Title     string  `json:"title"`
	Message   string  `json:"message"`
	Route     string  `json:"route,omitempty"`
	CreatedAt string  `json:"created_at"`
	ReadAt    *string `json:"read_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CaseID     string         `json:"case_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDerivation hands a case to another user on behalf of the caller.
func (c *Client) CreateDerivation(ctx context.Context, in CreateDerivationInput) (Derivation, error) {
	var resp Derivation
	err := c.do(ctx, http.MethodPost, "derivations", in, &resp)
	return resp, err
}

// GetDerivation fetches a derivation the caller sent or received.
func (c *Client) GetDerivation(ctx context.Context, id string) (Derivation, error) {
	var resp Derivation
	err := c.do(ctx, http.MethodGet, "derivations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// OpenDerivation fetches a derivation and marks it viewed when the caller is the receiver.
func (c *Client) OpenDerivation(ctx context.Context, id string) (Derivation, error) {
	var resp Derivation
	err := c.do(ctx, http.MethodGet, "derivations/"+url.PathEscape(id)+"/open", nil, &resp)
	return resp, err
}

// CancelDerivation withdraws an unviewed derivation sent by the caller.
func (c *Client) CancelDerivation(ctx context.Context, id, reason string) (Derivation, error) {
	var resp Derivation
	err := c.do(ctx, http.MethodPost, "derivations/"+url.PathEscape(id)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RejectDerivation refuses a derivation received by the caller.
func (c *Client) RejectDerivation(ctx context.Context, id, reason string) (Derivation, error) {
	var resp Derivation
	err := c.do(ctx, http.MethodPost, "derivations/"+url.PathEscape(id)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// MarkViewed marks a received derivation viewed.
func (c *Client) MarkViewed(ctx context.Context, id string) (ViewResult, error) {
	var resp ViewResult
	err := c.do(ctx, http.MethodPost, "derivations/"+url.PathEscape(id)+"/view", nil, &resp)
	return resp, err
}

// Sent lists derivations the caller handed off.
func (c *Client) Sent(ctx context.Context, opts ListOptions) (PaginatedDerivations, error) {
	var resp PaginatedDerivations
	err := c.do(ctx, http.MethodGet, withQuery("derivations/sent", opts.values()), nil, &resp)
	return resp, err
}

// Received lists derivations handed to the caller.
func (c *Client) Received(ctx context.Context, opts ListOptions) (PaginatedDerivations, error) {
	var resp PaginatedDerivations
	err := c.do(ctx, http.MethodGet, withQuery("derivations/received", opts.values()), nil, &resp)
	return resp, err
}

// Stats returns the caller's dashboard counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "derivations/stats", nil, &resp)
	return resp, err
}

// Notifications returns the caller's inbox.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) ([]Notification, error) {
	v := url.Values{}
	if unreadOnly {
		v.Set("unread", "true")
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Notification `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("notifications", v), nil, &resp)
	return resp.Items, err
}

// Events returns audit events with an id greater than after.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	v := url.Values{}
	if after > 0 {
		v.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("events", v), nil, &resp)
	return resp.Items, err
}

func withQuery(endpoint string, v url.Values) string {
	if len(v) == 0 {
		return endpoint
	}
	return endpoint + "?" + v.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
