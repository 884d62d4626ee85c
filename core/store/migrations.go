package store

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	"meldhub/core/utils"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS integrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		name TEXT NOT NULL,
		settings_json TEXT NOT NULL DEFAULT '{}',
		consumer_id TEXT NOT NULL DEFAULT '',
		secret_hash TEXT NOT NULL DEFAULT '',
		poll_enabled INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS field_mapping_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		integration_id INTEGER NOT NULL,
		form_ref TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		rules_json TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		UNIQUE(integration_id, form_ref, version),
		FOREIGN KEY(integration_id) REFERENCES integrations(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		integration_id INTEGER NOT NULL,
		reporter_user_id TEXT,
		source TEXT NOT NULL,
		report_date TIMESTAMP NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		user_consent INTEGER NOT NULL DEFAULT 0,
		visible INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		lat REAL,
		lon REAL,
		h3_cell TEXT NOT NULL DEFAULT '',
		external_id TEXT,
		provider_params_json TEXT NOT NULL DEFAULT '{}',
		source_params_json TEXT NOT NULL DEFAULT '{}',
		tags_json TEXT NOT NULL DEFAULT '[]',
		cleanup_date TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY(integration_id) REFERENCES integrations(id) ON DELETE CASCADE
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_external_ref ON incidents(integration_id, external_id) WHERE external_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS incident_status_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id TEXT NOT NULL,
		status TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_votes (
		incident_id TEXT PRIMARY KEY,
		positive_count INTEGER NOT NULL DEFAULT 0,
		negative_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS user_incident_votes (
		user_id TEXT NOT NULL,
		incident_id TEXT NOT NULL,
		option_id TEXT NOT NULL,
		PRIMARY KEY(user_id, incident_id),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS reporter_users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'nl',
		external_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS incident_statistics (
		integration_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		data_json TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY(integration_id, year, month),
		FOREIGN KEY(integration_id) REFERENCES integrations(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_statistics_year (
		integration_id INTEGER NOT NULL,
		year INTEGER NOT NULL,
		resolved_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY(integration_id, year),
		FOREIGN KEY(integration_id) REFERENCES integrations(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS user_announcements (
		user_id TEXT NOT NULL,
		year INTEGER NOT NULL,
		month INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY(user_id, year, month)
	);`,
	`CREATE TABLE IF NOT EXISTS tag_mappings (
		integration_id INTEGER PRIMARY KEY,
		categories_json TEXT NOT NULL DEFAULT '[]',
		subcategories_json TEXT NOT NULL DEFAULT '[]',
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(integration_id) REFERENCES integrations(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		not_before TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_integration ON incidents(integration_id);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_visible_cell ON incidents(visible, h3_cell);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_report_date ON incidents(report_date);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_cleanup ON incidents(cleanup_date);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_status_log_incident ON incident_status_log(incident_id, id);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(not_before);`,
	`CREATE INDEX IF NOT EXISTS idx_mapping_configs_form ON field_mapping_configs(integration_id, form_ref);`,
}

func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	isPG, err := isPostgresDB(ctx, db)
	if err != nil {
		return err
	}
	if !isPG {
		if !isTestRuntime() {
			return fmt.Errorf("only postgres is supported outside go test runtime")
		}
		return applySQLiteTestMigrations(ctx, db, logger)
	}
	return applyGooseMigrations(ctx, db, logger)
}

func applySQLiteTestMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite test migrations")
	}
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	post := []func(context.Context, *sql.DB) error{
		ensureIncidentColumns,
		ensureIntegrationColumns,
	}
	for _, fn := range post {
		if err := fn(ctx, db); err != nil {
			return err
		}
	}
	if logger != nil {
		logger.Printf("sqlite test migrations applied")
	}
	return nil
}

func ensureIncidentColumns(ctx context.Context, db *sql.DB) error {
	type col struct {
		Name string
		SQL  string
	}
	cols := []col{
		{Name: "h3_cell", SQL: "ALTER TABLE incidents ADD COLUMN h3_cell TEXT NOT NULL DEFAULT ''"},
		{Name: "cleanup_date", SQL: "ALTER TABLE incidents ADD COLUMN cleanup_date TIMESTAMP"},
		{Name: "source_params_json", SQL: "ALTER TABLE incidents ADD COLUMN source_params_json TEXT NOT NULL DEFAULT '{}'"},
	}
	for _, c := range cols {
		exists, err := columnExists(ctx, db, "incidents", c.Name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := db.ExecContext(ctx, c.SQL); err != nil {
			return fmt.Errorf("add column %s: %w", c.Name, err)
		}
	}
	return nil
}

func ensureIntegrationColumns(ctx context.Context, db *sql.DB) error {
	exists, err := columnExists(ctx, db, "integrations", "poll_enabled")
	if err != nil {
		return err
	}
	if !exists {
		if _, err := db.ExecContext(ctx, "ALTER TABLE integrations ADD COLUMN poll_enabled INTEGER NOT NULL DEFAULT 0"); err != nil {
			return fmt.Errorf("add column poll_enabled: %w", err)
		}
	}
	return nil
}

func isTestRuntime() bool {
	if flag.Lookup("test.v") != nil {
		return true
	}
	return len(os.Args) > 0 && strings.HasSuffix(os.Args[0], ".test")
}
