// Package store provides storage backends for ChatCRM.
//
// This file implements a PostgreSQL-backed store for the CRM document and alarms.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatCRM/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 10
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var (
	_ DocumentStore = (*PostgresStore)(nil)
	_ AlarmRepo     = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Load reads the CRM document. A missing or unreadable document yields the default shape.
func (s *PostgresStore) Load(ctx context.Context) (*models.Document, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM documents WHERE key = $1`, models.DocumentKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewDocument(), nil
	}
	if err != nil {
		slog.Error("PostgresStore Load failed", "error", err)
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	return decodeDocument([]byte(value)), nil
}

// Save replaces the CRM document.
func (s *PostgresStore) Save(ctx context.Context, doc *models.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (key, value, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		models.DocumentKey, string(raw), time.Now().UnixMilli())
	if err != nil {
		slog.Error("PostgresStore Save failed", "error", err)
		return fmt.Errorf("failed to save document: %w", err)
	}
	slog.Debug("PostgresStore Save succeeded", "bytes", len(raw))
	return nil
}

func (s *PostgresStore) UpsertAlarm(ctx context.Context, name string, fireAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms (name, fire_at) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET fire_at = EXCLUDED.fire_at`,
		name, fireAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert alarm %s failed: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) DeleteAlarm(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete alarm %s failed: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) ClaimDueAlarms(ctx context.Context, now time.Time, limit int) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM alarms WHERE name IN (
			SELECT name FROM alarms WHERE fire_at <= $1
			ORDER BY fire_at, name LIMIT $2
			FOR UPDATE SKIP LOCKED
		) RETURNING name, fire_at`,
		now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim alarms: %w", err)
	}
	alarms, err := scanAlarms(rows)
	if err != nil {
		return nil, err
	}
	sortAlarms(alarms)
	return alarms, nil
}

func (s *PostgresStore) ListAlarms(ctx context.Context) ([]Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, fire_at FROM alarms ORDER BY fire_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list alarms query: %w", err)
	}
	return scanAlarms(rows)
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
