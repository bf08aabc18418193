package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/domain"
	"traceline/internal/engine"
	"traceline/internal/engine/auth"
	"traceline/internal/migrate"
	"traceline/internal/repo"
	"traceline/internal/states"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	ctx := context.Background()
	if err := states.New(conn).Seed(ctx, cfg); err != nil {
		t.Fatalf("seed states: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	env := testEnv{Engine: eng, Ctx: ctx}
	env.seedContributor(t, "alice", "contributor")
	env.seedContributor(t, "bob", "contributor")
	env.seedContributor(t, "carol", "contributor")
	env.seedContributor(t, "root", "admin")
	return env
}

func (env testEnv) seedContributor(t *testing.T, id, role string) {
	t.Helper()
	err := env.Engine.Repo.InsertContributor(env.Ctx, domain.Contributor{
		ID:        id,
		Name:      id,
		Email:     id + "@example.com",
		Role:      role,
		IsActive:  true,
		CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed contributor %s: %v", id, err)
	}
}

func (env testEnv) createEntity(t *testing.T, actorID string) domain.Entity {
	t.Helper()
	ent, err := env.Engine.CreateEntity(env.Ctx, engine.CreateEntityCommand{
		ActorID: actorID,
		Name:    "Design doc",
	})
	if err != nil {
		t.Fatalf("create entity: %v", err)
	}
	return ent
}

func (env testEnv) stateID(t *testing.T, name string) string {
	t.Helper()
	s, err := env.Engine.States.GetByName(env.Ctx, name)
	if err != nil {
		t.Fatalf("state %s: %v", name, err)
	}
	return s.ID
}

func (env testEnv) versionCount(t *testing.T, entityID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountVersions(env.Ctx, entityID)
	if err != nil {
		t.Fatalf("count versions: %v", err)
	}
	return n
}

func (env testEnv) timelineCount(t *testing.T, entityID string) int {
	t.Helper()
	n, err := env.Engine.Repo.CountTimeline(env.Ctx, entityID)
	if err != nil {
		t.Fatalf("count timeline: %v", err)
	}
	return n
}

func strptr(s string) *string { return &s }

func TestCreateEntitySeedsHistory(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if ent.CurrentStateID != env.stateID(t, "draft") {
		t.Fatalf("expected initial state draft, got %s", ent.CurrentStateID)
	}
	if got := env.versionCount(t, ent.ID); got != 1 {
		t.Fatalf("expected 1 seed version, got %d", got)
	}
	events, err := env.Engine.Timeline(env.Ctx, ent.ID, "alice")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 1 || events[0].Kind != "created" {
		t.Fatalf("expected single created event, got %+v", events)
	}
	role, err := env.Engine.Repo.GetEntityRole(env.Ctx, ent.ID, "alice")
	if err != nil || role != auth.RoleOwner {
		t.Fatalf("expected creator as owner, got %q err=%v", role, err)
	}
}

func TestUpdateAppendsVersionAndEvent(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	updated, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:     "alice",
		EntityID:    ent.ID,
		Description: strptr("revised"),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Description != "revised" {
		t.Fatalf("expected description applied, got %q", updated.Description)
	}
	if got := env.versionCount(t, ent.ID); got != 2 {
		t.Fatalf("expected 2 versions, got %d", got)
	}
	if got := env.timelineCount(t, ent.ID); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	var ve engine.ValidationError
	if _, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:  "alice",
		EntityID: ent.ID,
	}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for empty update, got %v", err)
	}
}

func TestChangeStateRecordsTransitionWithoutVersion(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if err := env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "bob",
		Role:          auth.RoleEditor,
	}); err != nil {
		t.Fatalf("add editor: %v", err)
	}
	submitted := env.stateID(t, "submitted")
	moved, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "bob",
		EntityID:  ent.ID,
		ToStateID: submitted,
		Comment:   "ready",
	})
	if err != nil {
		t.Fatalf("change state: %v", err)
	}
	if moved.CurrentStateID != submitted {
		t.Fatalf("expected state %s, got %s", submitted, moved.CurrentStateID)
	}
	// Content unchanged: still just the seed version.
	if got := env.versionCount(t, ent.ID); got != 1 {
		t.Fatalf("expected 1 version after state change, got %d", got)
	}
	events, err := env.Engine.Timeline(env.Ctx, ent.ID, "alice")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	last := events[len(events)-1]
	if last.Kind != "state_changed" {
		t.Fatalf("expected state_changed event, got %s", last.Kind)
	}
}

func TestFinalStateRejectsOutgoingTransitions(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	published := env.stateID(t, "published")
	if _, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "alice",
		EntityID:  ent.ID,
		ToStateID: published,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	eventsBefore := env.timelineCount(t, ent.ID)
	var ite engine.InvalidTransitionError
	_, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "alice",
		EntityID:  ent.ID,
		ToStateID: env.stateID(t, "draft"),
	})
	if !errors.As(err, &ite) {
		t.Fatalf("expected invalid transition out of final state, got %v", err)
	}
	if got := env.timelineCount(t, ent.ID); got != eventsBefore {
		t.Fatalf("failed transition must not log events: %d != %d", got, eventsBefore)
	}
}

func TestSameStateChangeRejected(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	var ve engine.ValidationError
	_, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "alice",
		EntityID:  ent.ID,
		ToStateID: ent.CurrentStateID,
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for no-op transition, got %v", err)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if err := env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "bob",
		Role:          auth.RoleViewer,
	}); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	versions := env.versionCount(t, ent.ID)
	var fe auth.ForbiddenError
	if _, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:  "bob",
		EntityID: ent.ID,
		Name:     strptr("hijacked"),
	}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for viewer update, got %v", err)
	}
	if _, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "bob",
		EntityID:  ent.ID,
		ToStateID: env.stateID(t, "submitted"),
	}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for viewer state change, got %v", err)
	}
	if got := env.versionCount(t, ent.ID); got != versions {
		t.Fatalf("denied mutation must not write versions: %d != %d", got, versions)
	}
	// Viewer can still read.
	if _, err := env.Engine.GetEntity(env.Ctx, ent.ID, "bob"); err != nil {
		t.Fatalf("viewer read: %v", err)
	}
}

func TestStrangerGetsForbiddenNotMissing(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	var fe auth.ForbiddenError
	if _, err := env.Engine.GetEntity(env.Ctx, ent.ID, "carol"); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for non-member, got %v", err)
	}
	if _, err := env.Engine.Timeline(env.Ctx, ent.ID, "carol"); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden timeline for non-member, got %v", err)
	}
	// Missing entity is not found, not forbidden.
	if _, err := env.Engine.GetEntity(env.Ctx, "nope", "alice"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing entity, got %v", err)
	}
}

func TestAdminOverride(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	// root is not on the roster but holds the global admin role.
	if _, err := env.Engine.GetEntity(env.Ctx, ent.ID, "root"); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:  "root",
		EntityID: ent.ID,
		Priority: strptr("high"),
	}); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if err := env.Engine.DeleteEntity(env.Ctx, engine.DeleteEntityCommand{
		ActorID:  "root",
		EntityID: ent.ID,
	}); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}

func TestLastOwnerIsProtected(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	var ce engine.ConflictError
	err := env.Engine.RemoveContributor(env.Ctx, engine.RemoveContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "alice",
	})
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict removing last owner, got %v", err)
	}
	// Demoting the sole owner through the grant path is refused too.
	err = env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "alice",
		Role:          auth.RoleViewer,
	})
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict demoting last owner, got %v", err)
	}
	role, err := env.Engine.Repo.GetEntityRole(env.Ctx, ent.ID, "alice")
	if err != nil || role != auth.RoleOwner {
		t.Fatalf("roster must be unchanged, got %q err=%v", role, err)
	}
	// With a second owner the original can leave.
	if err := env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "bob",
		Role:          auth.RoleOwner,
	}); err != nil {
		t.Fatalf("add second owner: %v", err)
	}
	if err := env.Engine.RemoveContributor(env.Ctx, engine.RemoveContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "alice",
	}); err != nil {
		t.Fatalf("remove after second owner: %v", err)
	}
}

func TestContributorManagementRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if err := env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "alice",
		EntityID:      ent.ID,
		ContributorID: "bob",
		Role:          auth.RoleEditor,
	}); err != nil {
		t.Fatalf("add editor: %v", err)
	}
	var fe auth.ForbiddenError
	err := env.Engine.AddContributor(env.Ctx, engine.AddContributorCommand{
		ActorID:       "bob",
		EntityID:      ent.ID,
		ContributorID: "carol",
		Role:          auth.RoleViewer,
	})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for editor managing roster, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if _, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:  "alice",
		EntityID: ent.ID,
		Name:     strptr("renamed"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.Engine.DeleteEntity(env.Ctx, engine.DeleteEntityCommand{
		ActorID:  "alice",
		EntityID: ent.ID,
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetEntity(env.Ctx, ent.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected entity gone, got %v", err)
	}
	if got := env.versionCount(t, ent.ID); got != 0 {
		t.Fatalf("expected versions cascaded, got %d", got)
	}
	if got := env.timelineCount(t, ent.ID); got != 0 {
		t.Fatalf("expected timeline cascaded, got %d", got)
	}
}

func TestTimelineOrdering(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	if _, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
		ActorID:  "alice",
		EntityID: ent.ID,
		Name:     strptr("v2"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.Engine.ChangeState(env.Ctx, engine.ChangeStateCommand{
		ActorID:   "alice",
		EntityID:  ent.ID,
		ToStateID: env.stateID(t, "submitted"),
	}); err != nil {
		t.Fatalf("change state: %v", err)
	}
	events, err := env.Engine.Timeline(env.Ctx, ent.ID, "alice")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	// Fixed clock: identical timestamps, insertion order decides.
	want := []string{"created", "updated", "state_changed"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Fatalf("event %d: expected %s, got %s", i, kind, events[i].Kind)
		}
	}
}

func TestConcurrentUpdatesSerialized(t *testing.T) {
	env := newTestEnv(t)
	ent := env.createEntity(t, "alice")
	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.Engine.UpdateEntity(env.Ctx, engine.UpdateEntityCommand{
				ActorID:     "alice",
				EntityID:    ent.ID,
				Description: strptr(fmt.Sprintf("rev %d", i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent update: %v", err)
		}
	}
	if got := env.versionCount(t, ent.ID); got != workers+1 {
		t.Fatalf("expected %d versions, got %d", workers+1, got)
	}
}

func TestInactiveActorCannotCreate(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.Repo.DeactivateContributor(env.Ctx, "carol"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	var fe auth.ForbiddenError
	if _, err := env.Engine.CreateEntity(env.Ctx, engine.CreateEntityCommand{
		ActorID: "carol",
		Name:    "ghost doc",
	}); !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for inactive actor, got %v", err)
	}
}
