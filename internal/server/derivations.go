package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/engine/auth"
	"casedesk/internal/repo"
)

type derivationPath struct {
	ID string `path:"id"`
}

// DerivationListQuery holds the filters shared by the derivation list endpoints.
type DerivationListQuery struct {
	CaseID     string `query:"case_id"`
	Priority   string `query:"priority"`
	IsActive   string `query:"is_active" doc:"true or false"`
	IsViewed   string `query:"is_viewed" doc:"true or false"`
	IsAccepted string `query:"is_accepted" doc:"true or false"`
	Limit      int    `query:"limit" default:"50"`
	Cursor     string `query:"cursor"`
}

func (q DerivationListQuery) filters() (repo.DerivationFilters, huma.StatusError) {
	f := repo.DerivationFilters{
		CaseID:   q.CaseID,
		Priority: q.Priority,
		Limit:    normalizeLimit(q.Limit) + 1,
	}
	var herr huma.StatusError
	if f.IsActive, herr = parseBoolFilter("is_active", q.IsActive); herr != nil {
		return f, herr
	}
	if f.IsViewed, herr = parseBoolFilter("is_viewed", q.IsViewed); herr != nil {
		return f, herr
	}
	if f.IsAccepted, herr = parseBoolFilter("is_accepted", q.IsAccepted); herr != nil {
		return f, herr
	}
	ts, id, err := parseCompositeCursor(q.Cursor)
	if err != nil {
		return f, cursorError(q.Cursor)
	}
	f.CursorCreatedAt, f.CursorID = ts, id
	return f, nil
}

func pageDerivations(items []domain.DerivationDetail, limit int) paginatedDerivations {
	limit = normalizeLimit(limit)
	resp := paginatedDerivations{}
	if len(items) > limit {
		last := items[limit-1]
		resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
		items = items[:limit]
	}
	resp.Items = mapDerivations(items)
	return resp
}

var derivationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (s *server) registerDerivations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-derivation",
		Method:        http.MethodPost,
		Path:          "/derivations",
		Summary:       "Hand a case off to another user",
		Tags:          []string{"derivations"},
		DefaultStatus: http.StatusCreated,
		Errors:        derivationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateDerivationRequest `json:"body"`
	}) (*struct {
		Body DerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		d, err := s.engine.CreateDerivation(ctx, engine.CreateDerivationOptions{
			ID:         stringOrEmpty(input.Body.ID),
			CaseID:     input.Body.CaseID,
			FromUserID: callerID,
			ToUserID:   input.Body.ToUserID,
			Reason:     input.Body.Reason,
			Priority:   input.Body.Priority,
			Comment:    input.Body.Comment,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body DerivationResponse `json:"body"`
		}{Body: derivationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-derivations",
		Method:      http.MethodGet,
		Path:        "/derivations",
		Summary:     "List derivations",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *struct {
		DerivationListQuery
		FromUserID      string `query:"from_user_id"`
		ToUserID        string `query:"to_user_id"`
		InvolvingUserID string `query:"involving_user_id"`
		Order           string `query:"order" enum:"asc,desc" default:"desc"`
	}) (*struct {
		Body paginatedDerivations `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationList); err != nil {
			return nil, s.handleError(err)
		}
		f, herr := input.filters()
		if herr != nil {
			return nil, herr
		}
		f.FromUserID = input.FromUserID
		f.ToUserID = input.ToUserID
		f.InvolvingUserID = input.InvolvingUserID
		f.Ascending = input.Order == "asc"
		items, err := s.engine.ListDerivations(ctx, f)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body paginatedDerivations `json:"body"`
		}{Body: pageDerivations(items, input.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sent-derivations",
		Method:      http.MethodGet,
		Path:        "/derivations/sent",
		Summary:     "Derivations the caller handed off",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *struct {
		DerivationListQuery
	}) (*struct {
		Body paginatedDerivations `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, herr := input.filters()
		if herr != nil {
			return nil, herr
		}
		items, err := s.engine.SentBy(ctx, callerID, f)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body paginatedDerivations `json:"body"`
		}{Body: pageDerivations(items, input.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-received-derivations",
		Method:      http.MethodGet,
		Path:        "/derivations/received",
		Summary:     "Derivations handed to the caller",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *struct {
		DerivationListQuery
	}) (*struct {
		Body paginatedDerivations `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		f, herr := input.filters()
		if herr != nil {
			return nil, herr
		}
		items, err := s.engine.ReceivedBy(ctx, callerID, f)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body paginatedDerivations `json:"body"`
		}{Body: pageDerivations(items, input.Limit)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "derivation-stats",
		Method:      http.MethodGet,
		Path:        "/derivations/stats",
		Summary:     "Dashboard counters for the caller",
		Description: "Counters may lag recent changes by the stats cache TTL.",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Stats `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		stats, err := s.engine.Stats(ctx, callerID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Stats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-derivation",
		Method:      http.MethodGet,
		Path:        "/derivations/{id}",
		Summary:     "Get a derivation the caller sent or received",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *derivationPath) (*struct {
		Body DerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		d, err := s.engine.FindOne(ctx, input.ID, callerID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body DerivationResponse `json:"body"`
		}{Body: derivationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-derivation",
		Method:      http.MethodGet,
		Path:        "/derivations/{id}/open",
		Summary:     "Get a derivation, marking it viewed when the caller is its receiver",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *derivationPath) (*struct {
		Body DerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		d, err := s.engine.FindOneAndMarkViewed(ctx, input.ID, callerID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body DerivationResponse `json:"body"`
		}{Body: derivationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-derivation",
		Method:      http.MethodPost,
		Path:        "/derivations/{id}/cancel",
		Summary:     "Withdraw an unviewed derivation (sender only)",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body TerminateDerivationRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body DerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		d, err := s.engine.CancelDerivation(ctx, input.ID, callerID, input.Body.Reason)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body DerivationResponse `json:"body"`
		}{Body: derivationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-derivation",
		Method:      http.MethodPost,
		Path:        "/derivations/{id}/reject",
		Summary:     "Refuse a derivation (receiver only); a reason is required",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                     `path:"id"`
		Body TerminateDerivationRequest `json:"body"`
	}) (*struct {
		Body DerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		d, err := s.engine.RejectDerivation(ctx, input.ID, callerID, input.Body.Reason)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body DerivationResponse `json:"body"`
		}{Body: derivationResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "view-derivation",
		Method:      http.MethodPost,
		Path:        "/derivations/{id}/view",
		Summary:     "Mark a derivation viewed (receiver only)",
		Tags:        []string{"derivations"},
		Errors:      derivationErrors,
	}, func(ctx context.Context, input *derivationPath) (*struct {
		Body ViewDerivationResponse `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationWrite)
		if err != nil {
			return nil, s.handleError(err)
		}
		res, err := s.engine.MarkViewed(ctx, input.ID, callerID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body ViewDerivationResponse `json:"body"`
		}{Body: ViewDerivationResponse{
			Derivation:    derivationResponse(res.Derivation),
			AlreadyViewed: res.AlreadyViewed,
			Message:       res.Message(),
		}}, nil
	})
}
