package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/vertextoedge/samu-panel/internal/port"
)

// Store implements port.Store interface using SQLite
type Store struct {
	db *sql.DB
}

// Ensure Store implements port.Store
var _ port.Store = (*Store)(nil)

// Open opens a connection to the SQLite database
func Open(dbPath string) (*Store, error) {
	return OpenWithTimeout(dbPath, 5000)
}

// OpenWithTimeout opens the database with a custom busy timeout in milliseconds
func OpenWithTimeout(dbPath string, busyTimeoutMs int) (*Store, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}

	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)", dbPath, busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMs),
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	store := &Store{db: db}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates or updates the database schema
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS indicators (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			calc_type TEXT NOT NULL DEFAULT 'diferenca_tempo',
			start_column TEXT NOT NULL DEFAULT '',
			end_column TEXT NOT NULL DEFAULT '',
			unit TEXT NOT NULL DEFAULT '',
			conditions TEXT NOT NULL DEFAULT '[]',
			filter_hours INTEGER NOT NULL DEFAULT 0,
			filter_column TEXT NOT NULL DEFAULT '',
			count_by TEXT NOT NULL DEFAULT 'linhas',
			occurrence_column TEXT NOT NULL DEFAULT '',
			target_value REAL,
			target_operator TEXT NOT NULL DEFAULT '<=',
			chart_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			chart_hours INTEGER NOT NULL DEFAULT 0,
			chart_interval_minutes INTEGER NOT NULL DEFAULT 60,
			target_line_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			target_line_value REAL,
			target_line_color TEXT NOT NULL DEFAULT '#ffc107',
			target_line_style TEXT NOT NULL DEFAULT 'dashed',
			inverse_trend BOOLEAN NOT NULL DEFAULT FALSE,
			up_color TEXT NOT NULL DEFAULT '#28a745',
			down_color TEXT NOT NULL DEFAULT '#dc3545',
			sort_order INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dashboards (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			theme TEXT NOT NULL DEFAULT 'dark',
			grid_columns INTEGER NOT NULL DEFAULT 3,
			sort_order INTEGER NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dashboard_indicators (
			dashboard_id INTEGER NOT NULL,
			indicator_id INTEGER NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (dashboard_id, indicator_id),
			FOREIGN KEY (dashboard_id) REFERENCES dashboards(id) ON DELETE CASCADE,
			FOREIGN KEY (indicator_id) REFERENCES indicators(id) ON DELETE CASCADE
		)`,

		`CREATE TABLE IF NOT EXISTS download_schedule (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			active BOOLEAN NOT NULL DEFAULT FALSE,
			schedule_type TEXT NOT NULL DEFAULT 'intervalo',
			interval_minutes INTEGER NOT NULL DEFAULT 60,
			fixed_hour INTEGER,
			days_back INTEGER NOT NULL DEFAULT 1,
			last_run TIMESTAMP,
			next_run TIMESTAMP,
			last_status TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alert_rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			settings TEXT NOT NULL DEFAULT '{}',
			period_hours INTEGER NOT NULL DEFAULT 1,
			filter_column TEXT NOT NULL DEFAULT '',
			conditions TEXT NOT NULL DEFAULT '[]',
			priority INTEGER NOT NULL DEFAULT 3,
			icon TEXT NOT NULL DEFAULT 'exclamation-triangle',
			color TEXT NOT NULL DEFAULT '#dc3545',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			sort_order INTEGER NOT NULL DEFAULT 0,
			resolve_when_cleared BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id INTEGER,
			type_name TEXT NOT NULL DEFAULT '',
			type_icon TEXT NOT NULL DEFAULT '',
			type_color TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '{}',
			alert_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'ativo',
			priority INTEGER NOT NULL DEFAULT 3,
			origin TEXT NOT NULL DEFAULT 'automatico',
			dashboard_id INTEGER,
			occurred_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP,
			archived_at TIMESTAMP,
			created_by TEXT NOT NULL DEFAULT '',
			resolved_by TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (rule_id) REFERENCES alert_rules(id) ON DELETE SET NULL,
			FOREIGN KEY (dashboard_id) REFERENCES dashboards(id) ON DELETE SET NULL
		)`,

		`CREATE TABLE IF NOT EXISTS alert_settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			resolve_after_minutes INTEGER NOT NULL DEFAULT 45,
			sound TEXT NOT NULL DEFAULT 'beep',
			transparency INTEGER NOT NULL DEFAULT 20,
			updated_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_indicators_active_order ON indicators(active, sort_order)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status_created ON alerts(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_rule_key ON alerts(rule_id, alert_key)`,
		`CREATE INDEX IF NOT EXISTS idx_dashboard_indicators_indicator ON dashboard_indicators(indicator_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	// Columns added after the first release; existing columns are skipped
	alterMigrations := []string{
		`ALTER TABLE dashboards ADD COLUMN grid_template TEXT NOT NULL DEFAULT 'auto'`,
		`ALTER TABLE dashboards ADD COLUMN chart_area_opacity INTEGER NOT NULL DEFAULT 20`,
		`ALTER TABLE dashboards ADD COLUMN include_alerts BOOLEAN NOT NULL DEFAULT FALSE`,
		`ALTER TABLE dashboard_indicators ADD COLUMN col_span INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE dashboard_indicators ADD COLUMN row_span INTEGER NOT NULL DEFAULT 1`,
		`ALTER TABLE dashboard_indicators ADD COLUMN chart_height INTEGER NOT NULL DEFAULT 80`,
	}

	for _, migration := range alterMigrations {
		if _, err := s.db.Exec(migration); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// nullFloat converts an optional value for storage
func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// floatPtr converts a nullable column back to an optional value
func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
