package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"traceline/internal/config"
)

// Entity-scoped roles, weakest first.
const (
	RoleViewer = "viewer"
	RoleEditor = "editor"
	RoleOwner  = "owner"
)

// Actions gated by the authorization model.
const (
	ActionRead               = "entity.read"
	ActionUpdate             = "entity.update"
	ActionChangeState        = "entity.state.change"
	ActionManageContributors = "entity.contributors.manage"
	ActionDelete             = "entity.delete"
)

// ForbiddenError indicates the actor holds no role that grants the action.
// It is always distinct from a not-found outcome.
type ForbiddenError struct {
	Action string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("action %s not permitted", e.Action)
}

// Service answers role and permission questions for entity-scoped actors,
// backed by SQL. A contributor's global admin role overrides the entity
// scope; the most permissive applicable right wins.
type Service struct {
	DB     *sql.DB
	Config *config.Config
}

// RoleOf returns the actor's role on the entity, or "" when the actor is
// not on the roster.
func (s Service) RoleOf(ctx context.Context, tx *sql.Tx, entityID, actorID string) (string, error) {
	var role string
	err := tx.QueryRowContext(ctx, `SELECT role FROM entity_contributors WHERE entity_id=? AND contributor_id=?`, entityID, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}

// IsAdmin reports whether the actor's global role is admin. Deactivated
// contributors never qualify.
func (s Service) IsAdmin(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	var role string
	var active bool
	err := tx.QueryRowContext(ctx, `SELECT role, is_active FROM contributors WHERE id=?`, actorID).Scan(&role, &active)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return active && role == "admin", nil
}

// CanMutate reports whether the actor may perform the action on the entity.
func (s Service) CanMutate(ctx context.Context, tx *sql.Tx, entityID, actorID, action string) (bool, error) {
	admin, err := s.IsAdmin(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	if admin {
		return true, nil
	}
	role, err := s.RoleOf(ctx, tx, entityID, actorID)
	if err != nil {
		return false, err
	}
	if role == "" {
		return false, nil
	}
	return s.roleAllows(role, action), nil
}

// Require returns ForbiddenError unless the actor may perform the action.
func (s Service) Require(ctx context.Context, tx *sql.Tx, entityID, actorID, action string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	ok, err := s.CanMutate(ctx, tx, entityID, actorID, action)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Action: action}
	}
	return nil
}

func (s Service) roleAllows(role, action string) bool {
	grants := s.grants()
	rc, ok := grants[role]
	if !ok {
		return false
	}
	for _, a := range rc.Actions {
		if a == action {
			return true
		}
	}
	return false
}

func (s Service) grants() map[string]config.RoleConfig {
	if s.Config != nil && len(s.Config.Roles) > 0 {
		return s.Config.Roles
	}
	return config.Default().Roles
}
