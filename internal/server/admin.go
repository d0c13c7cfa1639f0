package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"casedesk/internal/domain"
	"casedesk/internal/engine"
	"casedesk/internal/engine/auth"
	"casedesk/internal/repo"
)

type casePath struct {
	ID string `path:"id"`
}

type userPath struct {
	ID string `path:"id"`
}

var adminErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func (s *server) registerCases(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Open a case, optionally staffing it",
		Tags:          []string{"cases"},
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body OpenCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermCaseManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		c, err := s.engine.OpenCase(ctx, engine.OpenCaseOptions{
			ID:         stringOrEmpty(input.Body.ID),
			Title:      input.Body.Title,
			ClientName: input.Body.ClientName,
			Balance:    input.Body.Balance,
			OwnerID:    input.Body.OwnerID,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status" enum:"active,closed"`
		ResponsibleID string `query:"responsible_id" doc:"use \"me\" for the caller"`
		Limit         int    `query:"limit" default:"50"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		callerID, err := s.requirePermission(ctx, auth.PermDerivationRead)
		if err != nil {
			return nil, s.handleError(err)
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, cursorError(input.Cursor)
		}
		responsible := input.ResponsibleID
		if responsible == "me" {
			responsible = callerID
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.ListCases(ctx, repo.CaseFilters{
			Status:          input.Status,
			ResponsibleID:   responsible,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedCases{Items: []domain.Case{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationRead); err != nil {
			return nil, s.handleError(err)
		}
		c, err := s.engine.Repo.GetCase(ctx, nil, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "staff-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/staff",
		Summary:     "Give an unstaffed case its first owner",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body StaffCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermCaseManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		a, err := s.engine.StaffCase(ctx, input.ID, input.Body.UserID, actorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/close",
		Summary:     "Close case",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermCaseManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		c, err := s.engine.CloseCase(ctx, input.ID, actorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-case-balance",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/balance",
		Summary:     "Set the outstanding balance (minor units)",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SetBalanceRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermCaseManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		c, err := s.engine.SetCaseBalance(ctx, input.ID, input.Body.Balance, actorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-responsible",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/responsible",
		Summary:     "Current responsible owner",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Assignment `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationRead); err != nil {
			return nil, s.handleError(err)
		}
		a, err := s.engine.CurrentResponsible(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.Assignment `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-assignments",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/assignments",
		Summary:     "Responsibility history, oldest first",
		Tags:        []string{"cases"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.Assignment `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationRead); err != nil {
			return nil, s.handleError(err)
		}
		items, err := s.engine.AssignmentHistory(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body []domain.Assignment `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-derivations",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/derivations",
		Summary:     "Every derivation of a case, oldest first",
		Tags:        []string{"cases", "derivations"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []DerivationResponse `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationRead); err != nil {
			return nil, s.handleError(err)
		}
		items, err := s.engine.CaseHistory(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body []DerivationResponse `json:"body"`
		}{Body: mapDerivations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/events",
		Summary:     "Audit trail of a case",
		Tags:        []string{"cases", "events"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermCaseManage); err != nil {
			return nil, s.handleError(err)
		}
		items, err := s.engine.Repo.CaseEvents(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (s *server) userResponse(ctx context.Context, u domain.User) (UserResponse, error) {
	roles, err := s.engine.Repo.UserRoles(ctx, nil, u.ID)
	if err != nil {
		return UserResponse{}, err
	}
	return UserResponse{User: u, Roles: nonNilSlice(roles)}, nil
}

func (s *server) registerUsers(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		Tags:          []string{"users"},
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermUserManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		u, err := s.engine.CreateUser(ctx, engine.CreateUserOptions{
			ID:      stringOrEmpty(input.Body.ID),
			Name:    input.Body.Name,
			Email:   input.Body.Email,
			Roles:   input.Body.Roles,
			ActorID: actorID,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		resp, err := s.userResponse(ctx, u)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Tags:        []string{"users"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Active bool `query:"active"`
	}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermDerivationRead); err != nil {
			return nil, s.handleError(err)
		}
		users, err := s.engine.Repo.ListUsers(ctx, input.Active)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: nonNilSlice(users)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-user",
		Method:      http.MethodPost,
		Path:        "/users/{id}/deactivate",
		Summary:     "Stop a user from receiving derivations",
		Tags:        []string{"users"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *userPath) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		actorID, err := s.requirePermission(ctx, auth.PermUserManage)
		if err != nil {
			return nil, s.handleError(err)
		}
		u, err := s.engine.DeactivateUser(ctx, input.ID, actorID)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/users/{id}/roles",
		Summary:     "Grant role",
		Tags:        []string{"users"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RoleRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, s.handleError(err)
		}
		if err := s.engine.GrantRole(ctx, input.ID, input.Body.Role); err != nil {
			return nil, s.handleError(err)
		}
		u, err := s.engine.Repo.GetUser(ctx, nil, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		resp, err := s.userResponse(ctx, u)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-role",
		Method:        http.MethodDelete,
		Path:          "/users/{id}/roles/{role}",
		Summary:       "Revoke role",
		Tags:          []string{"users"},
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Role string `path:"role"`
	}) (*struct{}, error) {
		if _, err := s.requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, s.handleError(err)
		}
		if err := s.engine.RevokeRole(ctx, input.ID, input.Role); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/users/{id}/api-keys",
		Summary:       "Mint an API key; the key is shown once",
		Tags:          []string{"users"},
		DefaultStatus: http.StatusCreated,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, s.handleError(err)
		}
		key, plain, err := s.engine.CreateAPIKey(ctx, input.ID, input.Body.Name)
		if err != nil {
			return nil, s.handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key, plain)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/users/{id}/api-keys",
		Summary:     "List API keys",
		Tags:        []string{"users"},
		Errors:      adminErrors,
	}, func(ctx context.Context, input *userPath) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, s.handleError(err)
		}
		keys, err := s.engine.Repo.ListAPIKeys(ctx, input.ID)
		if err != nil {
			return nil, s.handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k, ""))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete API key",
		Tags:          []string{"users"},
		DefaultStatus: http.StatusNoContent,
		Errors:        adminErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := s.requirePermission(ctx, auth.PermUserManage); err != nil {
			return nil, s.handleError(err)
		}
		if err := s.engine.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (s *server) registerNotifications(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Caller's notification inbox",
		Tags:        []string{"notifications"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Unread bool   `query:"unread"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedNotifications `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, cursorError(input.Cursor)
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Notifications(ctx, repo.NotificationFilters{
			UserID:          userID,
			UnreadOnly:      input.Unread,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedNotifications{Items: []domain.Notification{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedNotifications `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{id}/read",
		Summary:       "Mark notification read",
		Tags:          []string{"notifications"},
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.engine.MarkNotificationRead(ctx, userID, input.ID); err != nil {
			return nil, s.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (s *server) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit events after a cursor, oldest first",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := s.requirePermission(ctx, auth.PermCaseManage); err != nil {
			return nil, s.handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := s.engine.Repo.EventsAfter(ctx, input.After, limit+1)
		if err != nil {
			return nil, s.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
