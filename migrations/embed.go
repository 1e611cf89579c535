// Package migrations embeds the goose SQL migrations for the reference
// remote store and the durable retry queue.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

// Migration directories inside FS.
const (
	RemoteDir = "remote"
	QueueDir  = "queue"
)

//go:embed remote/*.sql queue/*.sql
var FS embed.FS

// Up applies every pending migration in dir to db. Each call uses its own
// goose provider, so the two databases can migrate concurrently.
func Up(ctx context.Context, db *sql.DB, dir string) error {
	sub, err := fs.Sub(FS, dir)
	if err != nil {
		return fmt.Errorf("open migrations %s: %w", dir, err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
