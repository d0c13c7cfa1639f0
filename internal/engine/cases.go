package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"casedesk/internal/domain"
	"casedesk/internal/events"
	"casedesk/internal/repo"
)

// Roles known to the permission tables.
const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

type CreateUserOptions struct {
	ID      string
	Name    string
	Email   string
	Roles   []string
	ActorID string
}

func (e Engine) CreateUser(ctx context.Context, opts CreateUserOptions) (domain.User, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.User{}, invalid("name", CodeRequired, "name is required")
	}
	for _, role := range opts.Roles {
		if role != RoleAdmin && role != RoleStaff {
			return domain.User{}, invalid("roles", CodeInvalid, fmt.Sprintf("unknown role %q", role))
		}
	}
	u := domain.User{
		ID:        opts.ID,
		Name:      name,
		Email:     strings.TrimSpace(opts.Email),
		Active:    true,
		CreatedAt: e.stamp(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	for _, role := range opts.Roles {
		if err := e.Repo.AssignRole(ctx, tx, u.ID, role); err != nil {
			return domain.User{}, fmt.Errorf("assign role: %w", err)
		}
	}
	if err := e.events().Append(ctx, tx, events.UserCreated, "", "user", u.ID, actorOr(opts.ActorID, u.ID), events.EventPayload{
		"name":  u.Name,
		"roles": opts.Roles,
	}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// DeactivateUser stops a user from receiving new derivations. Cases they
// already hold stay with them.
func (e Engine) DeactivateUser(ctx context.Context, userID, actorID string) (domain.User, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetUserActive(ctx, tx, userID, false); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, invalid("user_id", CodeUserNotFound, "user not found")
		}
		return domain.User{}, err
	}
	if err := e.events().Append(ctx, tx, events.UserDeactivated, "", "user", userID, actorOr(actorID, userID), nil); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return e.Repo.GetUser(ctx, nil, userID)
}

func (e Engine) GrantRole(ctx context.Context, userID, role string) error {
	if role != RoleAdmin && role != RoleStaff {
		return invalid("role", CodeInvalid, fmt.Sprintf("unknown role %q", role))
	}
	if _, err := e.Repo.GetUser(ctx, nil, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("user_id", CodeUserNotFound, "user not found")
		}
		return err
	}
	return e.Repo.AssignRole(ctx, nil, userID, role)
}

func (e Engine) RevokeRole(ctx context.Context, userID, role string) error {
	return e.Repo.RevokeRole(ctx, nil, userID, role)
}

// CreateAPIKey mints a key for a user. The plain key is only returned here;
// the store keeps its hash.
func (e Engine) CreateAPIKey(ctx context.Context, userID, name string) (domain.APIKey, string, error) {
	if _, err := e.Repo.GetUser(ctx, nil, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.APIKey{}, "", invalid("user_id", CodeUserNotFound, "user not found")
		}
		return domain.APIKey{}, "", err
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "cdk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

type OpenCaseOptions struct {
	ID         string
	Title      string
	ClientName string
	Balance    int64
	// OwnerID staffs the case immediately when set.
	OwnerID string
	ActorID string
}

func (e Engine) OpenCase(ctx context.Context, opts OpenCaseOptions) (domain.Case, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Case{}, invalid("title", CodeRequired, "title is required")
	}
	if opts.OwnerID != "" {
		if err := e.ensureActiveUser(ctx, "owner_id", opts.OwnerID); err != nil {
			return domain.Case{}, err
		}
	}
	now := e.stamp()
	c := domain.Case{
		ID:         opts.ID,
		Title:      title,
		ClientName: strings.TrimSpace(opts.ClientName),
		Status:     domain.CaseActive,
		Balance:    opts.Balance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Case{}, fmt.Errorf("insert case: %w", err)
	}
	actor := actorOr(opts.ActorID, opts.OwnerID)
	if err := e.events().Append(ctx, tx, events.CaseOpened, c.ID, "case", c.ID, actor, events.EventPayload{
		"title":   c.Title,
		"balance": c.Balance,
	}); err != nil {
		return domain.Case{}, err
	}
	if opts.OwnerID != "" {
		if err := e.staffTx(ctx, tx, c.ID, opts.OwnerID, actor, now); err != nil {
			return domain.Case{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// StaffCase gives an unstaffed case its first responsible owner.
func (e Engine) StaffCase(ctx context.Context, caseID, userID, actorID string) (domain.Assignment, error) {
	c, err := e.Repo.GetCase(ctx, nil, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Assignment{}, invalid("case_id", CodeCaseNotFound, "case not found")
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	if !c.IsActive() {
		return domain.Assignment{}, invalid("case_id", CodeCaseInactive, "case is not active")
	}
	if err := e.ensureActiveUser(ctx, "user_id", userID); err != nil {
		return domain.Assignment{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	if err := e.staffTx(ctx, tx, caseID, userID, actorOr(actorID, userID), e.stamp()); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.invalidateStats(ctx, userID)
	return e.Repo.ActiveAssignment(ctx, nil, caseID)
}

func (e Engine) staffTx(ctx context.Context, tx *sql.Tx, caseID, userID, actorID, now string) error {
	if current, err := e.Repo.ActiveAssignment(ctx, tx, caseID); err == nil {
		return stateErr(CodeAlreadyStaffed, fmt.Sprintf("case already held by %s; hand it off with a derivation", current.UserID))
	} else if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	a := domain.Assignment{
		ID:         uuid.NewString(),
		CaseID:     caseID,
		UserID:     userID,
		AssignedAt: now,
		IsActive:   true,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return e.events().Append(ctx, tx, events.CaseStaffed, caseID, "assignment", a.ID, actorID, events.EventPayload{
		"user_id": userID,
	})
}

func (e Engine) CloseCase(ctx context.Context, caseID, actorID string) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, nil, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Case{}, invalid("case_id", CodeCaseNotFound, "case not found")
	}
	if err != nil {
		return domain.Case{}, err
	}
	if !c.IsActive() {
		return domain.Case{}, stateErr(CodeCaseClosed, "case is already closed")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.UpdateCaseStatus(ctx, tx, caseID, domain.CaseClosed, now); err != nil {
		return domain.Case{}, err
	}
	if err := e.events().Append(ctx, tx, events.CaseClosed, caseID, "case", caseID, actorID, nil); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return e.Repo.GetCase(ctx, nil, caseID)
}

// SetCaseBalance records the outstanding amount of a case in minor units.
func (e Engine) SetCaseBalance(ctx context.Context, caseID string, balance int64, actorID string) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCaseBalance(ctx, tx, caseID, balance, e.stamp()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, invalid("case_id", CodeCaseNotFound, "case not found")
		}
		return domain.Case{}, err
	}
	if err := e.events().Append(ctx, tx, events.CaseBalanceSet, caseID, "case", caseID, actorID, events.EventPayload{
		"balance": balance,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	return e.Repo.GetCase(ctx, nil, caseID)
}

// CurrentResponsible returns the active assignment of a case.
func (e Engine) CurrentResponsible(ctx context.Context, caseID string) (domain.Assignment, error) {
	a, err := e.Repo.ActiveAssignment(ctx, nil, caseID)
	if errors.Is(err, repo.ErrNotFound) {
		if _, cerr := e.Repo.GetCase(ctx, nil, caseID); errors.Is(cerr, repo.ErrNotFound) {
			return domain.Assignment{}, invalid("case_id", CodeCaseNotFound, "case not found")
		}
	}
	return a, err
}

func (e Engine) AssignmentHistory(ctx context.Context, caseID string) ([]domain.Assignment, error) {
	return e.Repo.AssignmentHistory(ctx, caseID)
}

func (e Engine) ensureActiveUser(ctx context.Context, field, userID string) error {
	u, err := e.Repo.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return invalid(field, CodeUserNotFound, "user not found")
	}
	if err != nil {
		return err
	}
	if !u.Active {
		return invalid(field, CodeUserInactive, "user is not active")
	}
	return nil
}

func actorOr(actorID, fallback string) string {
	if actorID != "" {
		return actorID
	}
	if fallback != "" {
		return fallback
	}
	return "system"
}

// WhoAmI describes a user's roles and resolved permissions.
type WhoAmI struct {
	UserID      string
	Roles       []string
	Permissions []string
}

func (e Engine) WhoAmI(ctx context.Context, userID string) (WhoAmI, error) {
	roles, err := e.Repo.UserRoles(ctx, nil, userID)
	if err != nil {
		return WhoAmI{}, err
	}
	perms, err := e.Auth.UserPermissions(ctx, userID)
	if err != nil {
		return WhoAmI{}, err
	}
	return WhoAmI{UserID: userID, Roles: roles, Permissions: perms}, nil
}
