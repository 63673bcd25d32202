package main

import (
	"context"
	"database/sql"

	"github.com/aloundoye/convcore/internal/sessions"
)

// newMigrator wraps sessions.NewMigrator, ensuring the schema_migrations
// bookkeeping table exists before the caller runs Up/Status. The event
// journal's SQLite projections (events, sessions, runs, task_queue, ...)
// live in the same migration set as the session store — one schema, one
// migrator, per internal/sessions/migrate.go.
func newMigrator(ctx context.Context, db *sql.DB) (*sessions.Migrator, error) {
	migrator, err := sessions.NewMigrator(db)
	if err != nil {
		return nil, err
	}
	if err := migrator.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return migrator, nil
}
