// Package db embeds the engine's schema migrations and applies them with
// goose at process startup. The permits database holds the permit catalog
// and the delivery ledger; client profiles live in their own database.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/permits/*.sql migrations/clients/*.sql
var migrations embed.FS

// MigratePermits applies the permits + delivery-ledger schema to db.
func MigratePermits(db *sql.DB) error {
	return migrate(db, "migrations/permits")
}

// MigrateClients applies the client-profile schema to db.
func MigrateClients(db *sql.DB) error {
	return migrate(db, "migrations/clients")
}

func migrate(db *sql.DB, dir string) error {
	sub, err := fs.Sub(migrations, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations %s: %w", dir, err)
	}
	goose.SetBaseFS(sub)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations from %s: %w", dir, err)
	}
	return nil
}
