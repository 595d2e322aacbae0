package state

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var _ Backend = (*SQLiteBackend)(nil)

type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens the database at path, creating parent directories,
// and applies pending migrations.
func OpenSQLiteBackend(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", p, err)
		}
	}

	if _, _, err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{db: db}, nil
}

// runMigrations applies all pending migrations to the database and returns version info
func runMigrations(db *sql.DB) (uint, bool, error) {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return 0, false, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return 0, false, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return 0, false, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func (b *SQLiteBackend) Load(ctx context.Context) (*AppState, error) {
	var version int
	err := b.db.QueryRowContext(ctx, `SELECT version FROM app_state WHERE id = 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state version: %w", err)
	}

	st := &AppState{
		Version:  version,
		Searches: make(map[string]*RuleState),
	}

	rows, err := b.db.QueryContext(ctx, `SELECT rule_name, last_notification_time FROM rule_states`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule states: %w", err)
	}
	for rows.Next() {
		var name string
		var last sql.NullString
		if err := rows.Scan(&name, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan rule state: %w", err)
		}

		rs := NewRuleState()
		if last.Valid {
			ts := last.String
			rs.LastNotificationTime = &ts
		}
		st.Searches[name] = rs
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate rule states: %w", err)
	}
	rows.Close()

	rows, err = b.db.QueryContext(ctx, `SELECT rule_name, item_id FROM seen_ids ORDER BY rule_name, seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, id string
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan seen id: %w", err)
		}
		rs, ok := st.Searches[name]
		if !ok {
			rs = NewRuleState()
			st.Searches[name] = rs
		}
		rs.Add(id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate seen ids: %w", err)
	}

	return st, nil
}

// Save replaces the stored state in a single transaction.
func (b *SQLiteBackend) Save(ctx context.Context, st *AppState) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_state (id, version) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version
	`, st.Version); err != nil {
		return fmt.Errorf("failed to write state version: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM seen_ids`); err != nil {
		return fmt.Errorf("failed to clear seen ids: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rule_states`); err != nil {
		return fmt.Errorf("failed to clear rule states: %w", err)
	}

	ruleStmt, err := tx.PrepareContext(ctx, `INSERT INTO rule_states (rule_name, last_notification_time) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare rule state insert: %w", err)
	}
	defer ruleStmt.Close()

	seenStmt, err := tx.PrepareContext(ctx, `INSERT INTO seen_ids (rule_name, item_id, seq) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare seen id insert: %w", err)
	}
	defer seenStmt.Close()

	for name, rs := range st.Searches {
		var last sql.NullString
		if rs.LastNotificationTime != nil {
			last = sql.NullString{String: *rs.LastNotificationTime, Valid: true}
		}
		if _, err := ruleStmt.ExecContext(ctx, name, last); err != nil {
			return fmt.Errorf("failed to write rule state %s: %w", name, err)
		}

		for seq, id := range rs.OrderedIDs() {
			if _, err := seenStmt.ExecContext(ctx, name, id, seq); err != nil {
				return fmt.Errorf("failed to write seen id for %s: %w", name, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state: %w", err)
	}
	return nil
}
