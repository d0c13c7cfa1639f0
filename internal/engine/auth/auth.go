package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"casedesk/internal/repo"
)

// Permissions seeded into role_permissions.
const (
	PermCaseManage      = "case.manage"
	PermUserManage      = "user.manage"
	PermDerivationWrite = "derivation.write"
	PermDerivationRead  = "derivation.read"
	PermDerivationList  = "derivation.list"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves user permissions through their roles.
type Service struct {
	Repo repo.Repo
}

func (s Service) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	return s.Repo.UserPermissions(ctx, nil, userID)
}

func (s Service) UserHasPermission(ctx context.Context, userID, perm string) (bool, error) {
	perms, err := s.UserPermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	return slices.Contains(perms, perm), nil
}

// Require checks perm for userID. A non-nil claimed list (from a signed token)
// is authoritative and skips the role lookup.
func (s Service) Require(ctx context.Context, userID string, claimed []string, perm string) error {
	if claimed != nil {
		if slices.Contains(claimed, perm) {
			return nil
		}
		return ForbiddenError{Permission: perm}
	}
	ok, err := s.UserHasPermission(ctx, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}
