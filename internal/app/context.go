package app

import (
	"context"
	"database/sql"

	"traceline/internal/config"
	"traceline/internal/db"
	"traceline/internal/migrate"
	"traceline/internal/states"
)

// Bootstrap opens the workspace database, applies migrations and seeds the
// state registry from traceline.yml (or the built-in default catalog).
// Seeding is find-or-create, so repeated startups are no-ops.
func Bootstrap(ctx context.Context, workspace string) (*sql.DB, *config.Config, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := states.New(conn).Seed(ctx, cfg); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}
