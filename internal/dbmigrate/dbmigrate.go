// Package dbmigrate applies the embedded schema for the unit state and
// checkpoint stores.
package dbmigrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*/*.sql
var migrationFiles embed.FS

// goose keeps its base FS and dialect in package state.
var mu sync.Mutex

// Up applies every pending migration for driver ("sqlite3" or "postgres").
func Up(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return nil
	}
	if driver != "sqlite3" && driver != "postgres" {
		return fmt.Errorf("unsupported driver %q", driver)
	}
	mu.Lock()
	defer mu.Unlock()
	goose.SetBaseFS(migrationFiles)
	if err := goose.SetDialect(driver); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations/"+driver)
}
