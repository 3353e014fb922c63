package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/driftline/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations brings the schema up to date from the embedded goose files
// and returns the resulting schema version.
func RunMigrations(db *sql.DB) (int64, error) {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return 0, fmt.Errorf("set dialect: %w", err)
	}

	before, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	after, err := goose.GetDBVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}

	if after != before {
		slog.Info("schema migrated",
			"component", "store",
			"from_version", before,
			"to_version", after,
		)
	}
	return after, nil
}
