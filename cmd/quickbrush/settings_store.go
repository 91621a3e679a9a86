package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver.
)

// SettingsStore persists setting values by group.
type SettingsStore interface {
	Load(ctx context.Context, group string) (map[string]string, error)
	Save(ctx context.Context, group string, values map[string]string) error
	Close() error
}

// SQLiteSettingsStore keeps settings in a single key/value table.
type SQLiteSettingsStore struct {
	db *sql.DB
}

var _ SettingsStore = (*SQLiteSettingsStore)(nil)

// OpenSettingsStore opens or creates the SQLite database and applies migrations.
func OpenSettingsStore(path string) (*SQLiteSettingsStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}
	// One writer; the daemon only touches settings on IPC requests.
	db.SetMaxOpenConns(1)

	store := &SQLiteSettingsStore{db: db}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, fmt.Errorf("migrate settings db: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteSettingsStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSettingsStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			grp TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (grp, key)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Load returns every stored value in group.
func (s *SQLiteSettingsStore) Load(ctx context.Context, group string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE grp = ?`, group)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Save upserts values into group in one transaction.
func (s *SQLiteSettingsStore) Save(ctx context.Context, group string, values map[string]string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				// Best-effort rollback.
				_ = rerr
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO settings (grp, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(grp, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := stmt.Close(); cerr != nil {
			// Best-effort statement close.
			_ = cerr
		}
	}()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, k := range sortedSettingKeys(values) {
		if _, err = stmt.ExecContext(ctx, group, k, values[k], now); err != nil {
			return err
		}
	}

	return tx.Commit()
}
