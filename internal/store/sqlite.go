// Package store provides storage backends for ChatCRM.
//
// This file implements an SQLite-backed store for the CRM document and alarms.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatCRM/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time checks that SQLiteStore implements the store interfaces.
var (
	_ DocumentStore = (*SQLiteStore)(nil)
	_ AlarmRepo     = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection keeps claim transactions from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

// Load reads the CRM document. A missing or unreadable document yields the default shape.
func (s *SQLiteStore) Load(ctx context.Context) (*models.Document, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM documents WHERE key = ?`, models.DocumentKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore Load: no document yet, using defaults")
		return models.NewDocument(), nil
	}
	if err != nil {
		slog.Error("SQLiteStore Load failed", "error", err)
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return decodeDocument([]byte(value)), nil
}

// Save replaces the CRM document.
func (s *SQLiteStore) Save(ctx context.Context, doc *models.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		models.DocumentKey, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("SQLiteStore Save failed", "error", err)
		return fmt.Errorf("failed to save document: %w", err)
	}
	slog.Debug("SQLiteStore Save succeeded", "bytes", len(raw))
	return nil
}

func (s *SQLiteStore) UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (name, fire_at) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET fire_at = excluded.fire_at`,
		name, fireAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert alarm %s failed: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAlarm(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete alarm %s failed: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) ClaimDueAlarms(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim alarms begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT name, fire_at FROM alarms WHERE fire_at <= ? ORDER BY fire_at, name LIMIT ?`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim alarms query: %w", err)
	}
	alarms, err := scanAlarms(rows)
	if err != nil {
		return nil, err
	}

	for _, a := range alarms {
		if _, err := tx.ExecContext(ctx, `DELETE FROM alarms WHERE name = ?`, a.Name); err != nil {
			return nil, fmt.Errorf("claim alarm %s delete: %w", a.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim alarms commit: %w", err)
	}
	return alarms, nil
}

func (s *SQLiteStore) ListAlarms(ctx context.Context) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, fire_at FROM alarms ORDER BY fire_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list alarms query: %w", err)
	}
	return scanAlarms(rows)
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
