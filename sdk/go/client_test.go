package casedesksdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDerivationSendsBodyAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/derivations", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body CreateDerivationInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "case-1", body.CaseID)
		assert.Equal(t, "bob", body.ToUserID)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "d-1", "case_id": "case-1", "from_user_id": "alice", "to_user_id": "bob",
			"is_active": true, "state": "pending", "priority": "high",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	d, err := c.CreateDerivation(context.Background(), CreateDerivationInput{CaseID: "case-1", ToUserID: "bob", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, "d-1", d.ID)
	assert.Equal(t, "pending", d.State)
	assert.True(t, d.IsActive)
}

func TestListOptionsBecomeQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/derivations/received", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("is_active"))
		assert.Equal(t, "", q.Get("is_viewed"))
		assert.Equal(t, "5", q.Get("limit"))
		assert.Equal(t, "key-1", r.Header.Get("X-Api-Key"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items":       []map[string]any{{"id": "d-1"}, {"id": "d-2"}},
			"next_cursor": "c2",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key-1"
	active := true
	page, err := c.Received(context.Background(), ListOptions{IsActive: &active, Limit: 5})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "c2", page.NextCursor)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"already_viewed","message":"derivation was already viewed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).CancelDerivation(context.Background(), "d-1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "already_viewed", apiErr.Code)
	assert.Contains(t, apiErr.Error(), "already_viewed")
}

func TestEmptyBasePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/derivations/stats", r.URL.Path)
		_ = json.NewEncoder(w).Encode(Stats{ReceivedPending: 2, TotalActive: 3})
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BasePath = ""
	s, err := c.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, s.ReceivedPending)
	assert.Equal(t, 3, s.TotalActive)
}
