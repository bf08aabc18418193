package states

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"traceline/internal/config"
	"traceline/internal/domain"
	"traceline/internal/repo"
)

// Registry is the ordered catalog of workflow states. Rows are seeded once
// at startup and never deleted afterwards; entities reference them by id.
type Registry struct {
	DB   *sql.DB
	Repo repo.Repo
}

func New(db *sql.DB) Registry {
	return Registry{DB: db, Repo: repo.Repo{DB: db}}
}

// Seed inserts the configured state catalog with find-or-create semantics,
// keyed by name. Repeated startups never duplicate or reset existing rows.
func (r Registry) Seed(ctx context.Context, cfg *config.Config) error {
	if cfg == nil || len(cfg.Workflow.States) == 0 {
		return errors.New("workflow states not configured")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sc := range cfg.Workflow.States {
		_, err := r.Repo.GetStateByNameTx(ctx, tx, sc.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		s := domain.State{
			ID:          uuid.New().String(),
			Name:        sc.Name,
			Label:       sc.Label,
			Color:       sc.Color,
			Order:       sc.Order,
			IsInitial:   sc.IsInitial,
			IsFinal:     sc.IsFinal,
			Description: sc.Description,
		}
		if err := r.Repo.InsertStateTx(ctx, tx, s); err != nil {
			return fmt.Errorf("seed state %s: %w", sc.Name, err)
		}
	}
	return tx.Commit()
}

func (r Registry) List(ctx context.Context) ([]domain.State, error) {
	return r.Repo.ListStates(ctx)
}

func (r Registry) Get(ctx context.Context, id string) (domain.State, error) {
	return r.Repo.GetState(ctx, id)
}

func (r Registry) GetByName(ctx context.Context, name string) (domain.State, error) {
	return r.Repo.GetStateByName(ctx, name)
}

// Initial returns the unique state flagged is_initial.
func (r Registry) Initial(ctx context.Context) (domain.State, error) {
	return r.Repo.InitialState(ctx)
}

// IsTransitionAllowed reports whether an entity may move between the two
// states. The policy is permissive: any state may reach any other, except
// that a final state rejects all outgoing transitions. Unknown ids surface
// as repo.ErrNotFound.
func (r Registry) IsTransitionAllowed(ctx context.Context, fromStateID, toStateID string) (bool, error) {
	from, err := r.Repo.GetState(ctx, fromStateID)
	if err != nil {
		return false, err
	}
	if _, err := r.Repo.GetState(ctx, toStateID); err != nil {
		return false, err
	}
	if from.IsFinal {
		return false, nil
	}
	return true, nil
}
