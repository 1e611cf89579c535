package store

import (
	"context"
	"database/sql"

	"github.com/wgje/flowsync/migrations"
)

// RunMigrations applies all pending remote schema migrations.
func RunMigrations(db *sql.DB) error {
	return migrations.Up(context.Background(), db, migrations.RemoteDir)
}
