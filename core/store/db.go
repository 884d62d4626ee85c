package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"meldhub/core/utils"
)

// NewDB opens the configured database. Production runs on postgres via
// pgx; sqlite is only accepted inside `go test` so store tests can run
// against a throwaway file database.
func NewDB(driver, url string) (*sql.DB, error) {
	switch driver {
	case "postgres", "pgx":
		return sql.Open("pgx", url)
	case "sqlite":
		if !isTestRuntime() {
			return nil, fmt.Errorf("sqlite driver is test-only")
		}
		db, err := sql.Open("sqlite", url)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

func isPostgresDB(ctx context.Context, db *sql.DB) (bool, error) {
	var version string
	if err := db.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&version); err == nil {
		return false, nil
	}
	if err := db.QueryRowContext(ctx, "SELECT version()").Scan(&version); err != nil {
		return false, err
	}
	return strings.Contains(strings.ToLower(version), "postgres"), nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("applying goose migrations")
	}
	return goose.UpContext(ctx, db, "migrations")
}

func columnExists(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}
