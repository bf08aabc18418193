package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/engine/auth"
	"traceline/internal/events"
	"traceline/internal/repo"
	"traceline/internal/states"
)

// Engine orchestrates the entity lifecycle: it validates commands, enforces
// the authorization model, checks transition legality against the state
// registry, and writes entity state, versions and timeline events as one
// atomic unit per command.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	States states.Registry
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time

	locks *entityLocks
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		States: states.New(db),
		Auth:   auth.Service{DB: db, Config: cfg},
		Config: cfg,
		Now:    time.Now,
		locks:  newEntityLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

var validPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

var validEntityRoles = map[string]bool{auth.RoleOwner: true, auth.RoleEditor: true, auth.RoleViewer: true}

// ContributorGrant names a contributor to place on an entity roster.
type ContributorGrant struct {
	ContributorID string
	Role          string
}

// CreateEntityCommand creates an entity in the initial workflow state.
type CreateEntityCommand struct {
	ActorID      string
	Name         string
	Type         string
	Description  string
	Priority     string
	DueDate      *string
	Tags         []string
	Contributors []ContributorGrant
}

// CreateEntity inserts the entity, an owner roster row for the actor, the
// seed version and the created event in one transaction. Partial
// application is never observable.
func (e Engine) CreateEntity(ctx context.Context, cmd CreateEntityCommand) (domain.Entity, error) {
	if cmd.ActorID == "" {
		return domain.Entity{}, validationErrorf("actor_id is required")
	}
	if cmd.Name == "" {
		return domain.Entity{}, validationErrorf("name is required")
	}
	if cmd.Type == "" {
		cmd.Type = "document"
	}
	if cmd.Priority == "" {
		cmd.Priority = "medium"
	}
	if !validPriorities[cmd.Priority] {
		return domain.Entity{}, validationErrorf("invalid priority %s", cmd.Priority)
	}
	for _, g := range cmd.Contributors {
		role := g.Role
		if role == "" {
			role = auth.RoleViewer
		}
		if !validEntityRoles[role] {
			return domain.Entity{}, validationErrorf("invalid contributor role %s", g.Role)
		}
	}
	actor, err := e.Repo.GetContributor(ctx, cmd.ActorID)
	if err != nil {
		return domain.Entity{}, err
	}
	if !actor.IsActive {
		return domain.Entity{}, auth.ForbiddenError{Action: "entity.create"}
	}
	initial, err := e.States.Initial(ctx)
	if err != nil {
		return domain.Entity{}, persistErr("resolve initial state", err)
	}

	now := e.nowString()
	ent := domain.Entity{
		ID:             uuid.New().String(),
		Name:           cmd.Name,
		Description:    cmd.Description,
		Type:           cmd.Type,
		Priority:       cmd.Priority,
		DueDate:        cmd.DueDate,
		Tags:           cmd.Tags,
		CurrentStateID: initial.ID,
		CreatedBy:      cmd.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	release := e.locks.acquire(ent.ID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEntityTx(ctx, tx, ent); err != nil {
		return domain.Entity{}, persistErr("insert entity", err)
	}
	if err := e.Repo.UpsertEntityContributorTx(ctx, tx, domain.EntityContributor{
		EntityID:      ent.ID,
		ContributorID: cmd.ActorID,
		Role:          auth.RoleOwner,
		AddedAt:       now,
	}); err != nil {
		return domain.Entity{}, persistErr("insert owner", err)
	}
	for _, g := range cmd.Contributors {
		if g.ContributorID == cmd.ActorID {
			continue // creator stays owner
		}
		if _, err := e.Repo.GetContributor(ctx, g.ContributorID); err != nil {
			return domain.Entity{}, err
		}
		role := g.Role
		if role == "" {
			role = auth.RoleViewer
		}
		if err := e.Repo.UpsertEntityContributorTx(ctx, tx, domain.EntityContributor{
			EntityID:      ent.ID,
			ContributorID: g.ContributorID,
			Role:          role,
			AddedAt:       now,
		}); err != nil {
			return domain.Entity{}, persistErr("insert contributor", err)
		}
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, snapshot(ent, cmd.ActorID, now)); err != nil {
		return domain.Entity{}, persistErr("insert version", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindCreated, ent.ID, cmd.ActorID, events.EventPayload{
		"name":     ent.Name,
		"state_id": ent.CurrentStateID,
	}); err != nil {
		return domain.Entity{}, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, persistErr("commit", err)
	}
	return ent, nil
}

// UpdateEntityCommand edits mutable fields. State changes are a separate
// command. Nil pointers leave a field untouched.
type UpdateEntityCommand struct {
	ActorID     string
	EntityID    string
	Name        *string
	Description *string
	Priority    *string
	DueDate     *string
	Tags        *[]string
}

// UpdateEntity requires editor or above and commits the field mutation, a
// new version snapshot and the updated event atomically.
func (e Engine) UpdateEntity(ctx context.Context, cmd UpdateEntityCommand) (domain.Entity, error) {
	if cmd.ActorID == "" {
		return domain.Entity{}, validationErrorf("actor_id is required")
	}
	if cmd.Name == nil && cmd.Description == nil && cmd.Priority == nil && cmd.DueDate == nil && cmd.Tags == nil {
		return domain.Entity{}, validationErrorf("no fields to update")
	}
	if cmd.Name != nil && *cmd.Name == "" {
		return domain.Entity{}, validationErrorf("name cannot be empty")
	}
	if cmd.Priority != nil && !validPriorities[*cmd.Priority] {
		return domain.Entity{}, validationErrorf("invalid priority %s", *cmd.Priority)
	}

	release := e.locks.acquire(cmd.EntityID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, cmd.EntityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := e.Auth.Require(ctx, tx, ent.ID, cmd.ActorID, auth.ActionUpdate); err != nil {
		return domain.Entity{}, err
	}

	var changed []string
	if cmd.Name != nil && *cmd.Name != ent.Name {
		ent.Name = *cmd.Name
		changed = append(changed, "name")
	}
	if cmd.Description != nil && *cmd.Description != ent.Description {
		ent.Description = *cmd.Description
		changed = append(changed, "description")
	}
	if cmd.Priority != nil && *cmd.Priority != ent.Priority {
		ent.Priority = *cmd.Priority
		changed = append(changed, "priority")
	}
	if cmd.DueDate != nil {
		if *cmd.DueDate == "" {
			ent.DueDate = nil
		} else {
			ent.DueDate = cmd.DueDate
		}
		changed = append(changed, "due_date")
	}
	if cmd.Tags != nil {
		ent.Tags = *cmd.Tags
		changed = append(changed, "tags")
	}
	now := e.nowString()
	ent.UpdatedAt = now

	if err := e.Repo.UpdateEntityTx(ctx, tx, ent); err != nil {
		return domain.Entity{}, persistErr("update entity", err)
	}
	if err := e.Repo.InsertVersionTx(ctx, tx, snapshot(ent, cmd.ActorID, now)); err != nil {
		return domain.Entity{}, persistErr("insert version", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindUpdated, ent.ID, cmd.ActorID, events.EventPayload{
		"changed_fields": changed,
	}); err != nil {
		return domain.Entity{}, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, persistErr("commit", err)
	}
	return ent, nil
}

// ChangeStateCommand moves an entity to another workflow state.
type ChangeStateCommand struct {
	ActorID   string
	EntityID  string
	ToStateID string
	Comment   string
}

// ChangeState requires editor or above. The target must exist, the current
// state must not be final, and a no-op transition is rejected. Content is
// unchanged, so no version snapshot is written.
func (e Engine) ChangeState(ctx context.Context, cmd ChangeStateCommand) (domain.Entity, error) {
	if cmd.ActorID == "" {
		return domain.Entity{}, validationErrorf("actor_id is required")
	}
	if cmd.ToStateID == "" {
		return domain.Entity{}, validationErrorf("state_id is required")
	}

	release := e.locks.acquire(cmd.EntityID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entity{}, persistErr("begin", err)
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, cmd.EntityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := e.Auth.Require(ctx, tx, ent.ID, cmd.ActorID, auth.ActionChangeState); err != nil {
		return domain.Entity{}, err
	}
	if cmd.ToStateID == ent.CurrentStateID {
		return domain.Entity{}, validationErrorf("entity already in state %s", cmd.ToStateID)
	}
	allowed, err := e.States.IsTransitionAllowed(ctx, ent.CurrentStateID, cmd.ToStateID)
	if err != nil {
		return domain.Entity{}, err
	}
	if !allowed {
		return domain.Entity{}, InvalidTransitionError{FromStateID: ent.CurrentStateID, ToStateID: cmd.ToStateID}
	}

	fromStateID := ent.CurrentStateID
	ent.CurrentStateID = cmd.ToStateID
	ent.UpdatedAt = e.nowString()

	if err := e.Repo.UpdateEntityTx(ctx, tx, ent); err != nil {
		return domain.Entity{}, persistErr("update entity", err)
	}
	payload := events.EventPayload{
		"from_state_id": fromStateID,
		"to_state_id":   cmd.ToStateID,
	}
	if cmd.Comment != "" {
		payload["comment"] = cmd.Comment
	}
	if err := e.Events.Append(ctx, tx, events.KindStateChanged, ent.ID, cmd.ActorID, payload); err != nil {
		return domain.Entity{}, persistErr("append event", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Entity{}, persistErr("commit", err)
	}
	return ent, nil
}

// AddContributorCommand grants a contributor a role on an entity.
type AddContributorCommand struct {
	ActorID       string
	EntityID      string
	ContributorID string
	Role          string
}

// AddContributor requires owner.
func (e Engine) AddContributor(ctx context.Context, cmd AddContributorCommand) error {
	if cmd.ActorID == "" {
		return validationErrorf("actor_id is required")
	}
	if cmd.ContributorID == "" {
		return validationErrorf("contributor_id is required")
	}
	role := cmd.Role
	if role == "" {
		role = auth.RoleViewer
	}
	if !validEntityRoles[role] {
		return validationErrorf("invalid role %s", cmd.Role)
	}
	if _, err := e.Repo.GetContributor(ctx, cmd.ContributorID); err != nil {
		return err
	}

	release := e.locks.acquire(cmd.EntityID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, cmd.EntityID)
	if err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, tx, ent.ID, cmd.ActorID, auth.ActionManageContributors); err != nil {
		return err
	}
	// Demoting the sole owner through an upsert would strand the entity.
	current, err := e.Repo.GetEntityRoleTx(ctx, tx, ent.ID, cmd.ContributorID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return persistErr("read roster", err)
	}
	if current == auth.RoleOwner && role != auth.RoleOwner {
		owners, err := e.Repo.CountOwnersTx(ctx, tx, ent.ID)
		if err != nil {
			return persistErr("count owners", err)
		}
		if owners <= 1 {
			return ConflictError{Msg: "entity must retain at least one owner"}
		}
	}
	if err := e.Repo.UpsertEntityContributorTx(ctx, tx, domain.EntityContributor{
		EntityID:      ent.ID,
		ContributorID: cmd.ContributorID,
		Role:          role,
		AddedAt:       e.nowString(),
	}); err != nil {
		return persistErr("insert contributor", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindContributorAdded, ent.ID, cmd.ActorID, events.EventPayload{
		"contributor_id": cmd.ContributorID,
		"role":           role,
	}); err != nil {
		return persistErr("append event", err)
	}
	return persistErr("commit", tx.Commit())
}

// RemoveContributorCommand removes a contributor from an entity roster.
type RemoveContributorCommand struct {
	ActorID       string
	EntityID      string
	ContributorID string
}

// RemoveContributor requires owner and refuses to leave the entity with
// zero owners.
func (e Engine) RemoveContributor(ctx context.Context, cmd RemoveContributorCommand) error {
	if cmd.ActorID == "" {
		return validationErrorf("actor_id is required")
	}
	if cmd.ContributorID == "" {
		return validationErrorf("contributor_id is required")
	}

	release := e.locks.acquire(cmd.EntityID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, cmd.EntityID)
	if err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, tx, ent.ID, cmd.ActorID, auth.ActionManageContributors); err != nil {
		return err
	}
	role, err := e.Repo.GetEntityRoleTx(ctx, tx, ent.ID, cmd.ContributorID)
	if err != nil {
		return err
	}
	if role == auth.RoleOwner {
		owners, err := e.Repo.CountOwnersTx(ctx, tx, ent.ID)
		if err != nil {
			return persistErr("count owners", err)
		}
		if owners <= 1 {
			return ConflictError{Msg: "entity must retain at least one owner"}
		}
	}
	if err := e.Repo.DeleteEntityContributorTx(ctx, tx, ent.ID, cmd.ContributorID); err != nil {
		return persistErr("delete contributor", err)
	}
	if err := e.Events.Append(ctx, tx, events.KindContributorRemoved, ent.ID, cmd.ActorID, events.EventPayload{
		"contributor_id": cmd.ContributorID,
		"role":           role,
	}); err != nil {
		return persistErr("append event", err)
	}
	return persistErr("commit", tx.Commit())
}

// DeleteEntityCommand removes an entity and everything it owns.
type DeleteEntityCommand struct {
	ActorID  string
	EntityID string
}

// DeleteEntity requires owner; versions, timeline events and roster rows
// cascade with the entity row.
func (e Engine) DeleteEntity(ctx context.Context, cmd DeleteEntityCommand) error {
	if cmd.ActorID == "" {
		return validationErrorf("actor_id is required")
	}

	release := e.locks.acquire(cmd.EntityID)
	defer release()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()

	ent, err := e.Repo.GetEntityTx(ctx, tx, cmd.EntityID)
	if err != nil {
		return err
	}
	if err := e.Auth.Require(ctx, tx, ent.ID, cmd.ActorID, auth.ActionDelete); err != nil {
		return err
	}
	if err := e.Repo.DeleteEntityTx(ctx, tx, ent.ID); err != nil {
		return persistErr("delete entity", err)
	}
	if err := tx.Commit(); err != nil {
		return persistErr("commit", err)
	}
	e.locks.forget(cmd.EntityID)
	return nil
}

// GetEntity returns the entity detail to any actor holding at least viewer.
func (e Engine) GetEntity(ctx context.Context, entityID, actorID string) (domain.Entity, error) {
	ent, err := e.Repo.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	if err := e.requireRead(ctx, entityID, actorID); err != nil {
		return domain.Entity{}, err
	}
	return ent, nil
}

// Timeline returns the ordered event sequence for an entity.
func (e Engine) Timeline(ctx context.Context, entityID, actorID string) ([]domain.TimelineEvent, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	if err := e.requireRead(ctx, entityID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListTimeline(ctx, entityID)
}

// Versions returns the ordered version history for an entity.
func (e Engine) Versions(ctx context.Context, entityID, actorID string) ([]domain.Version, error) {
	if _, err := e.Repo.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	if err := e.requireRead(ctx, entityID, actorID); err != nil {
		return nil, err
	}
	return e.Repo.ListVersions(ctx, entityID)
}

func (e Engine) requireRead(ctx context.Context, entityID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return persistErr("begin", err)
	}
	defer tx.Rollback()
	return e.Auth.Require(ctx, tx, entityID, actorID, auth.ActionRead)
}

func snapshot(ent domain.Entity, authorID, now string) domain.Version {
	return domain.Version{
		EntityID:    ent.ID,
		Name:        ent.Name,
		Description: ent.Description,
		Priority:    ent.Priority,
		DueDate:     ent.DueDate,
		Tags:        ent.Tags,
		StateID:     ent.CurrentStateID,
		AuthorID:    authorID,
		CreatedAt:   now,
	}
}
