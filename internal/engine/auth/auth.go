package auth

import (
	"context"
	"errors"
	"fmt"

	"taskpulse/internal/domain"
	"taskpulse/internal/repo"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

const (
	PermRead     = "org.read"
	PermWrite    = "org.write"
	PermRunJobs  = "jobs.run"
	PermAdminOrg = "org.admin"
)

// adminOnly lists permissions reserved for organization admins.
var adminOnly = map[string]bool{
	PermRunJobs:  true,
	PermAdminOrg: true,
}

// Service resolves a principal to a tenant membership and checks its
// permissions.
type Service struct {
	Repo repo.Repo
}

// Member loads an active user. Inactive users are treated as unknown.
func (s Service) Member(ctx context.Context, userID string) (domain.User, error) {
	if userID == "" {
		return domain.User{}, errors.New("user id required")
	}
	u, err := s.Repo.GetUser(ctx, s.Repo.DB, userID)
	if err != nil {
		return domain.User{}, err
	}
	if !u.IsActive {
		return domain.User{}, repo.ErrNotFound
	}
	return u, nil
}

// Require checks that u belongs to orgID and holds perm.
func (s Service) Require(u domain.User, orgID, perm string) error {
	if u.OrgID != orgID {
		return ForbiddenError{Permission: perm}
	}
	if adminOnly[perm] && !u.IsAdmin {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Permissions lists what u may do within its own organization.
func (s Service) Permissions(u domain.User) []string {
	perms := []string{PermRead, PermWrite}
	if u.IsAdmin {
		perms = append(perms, PermRunJobs, PermAdminOrg)
	}
	return perms
}
