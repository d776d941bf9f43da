// Package store provides storage backends for ChatCRM.
//
// Every backend persists the single CRM document under models.DocumentKey and is read and
// written whole. SQL backends additionally keep the durable alarm table.
package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/BTreeMap/ChatCRM/internal/models"
)

// DocumentStore persists the CRM document.
//
// Load never fails because of an absent or corrupt document: it returns an empty-shaped
// default instead. Save replaces the whole document. There is no locking between
// concurrent Load/Save cycles; the last Save wins.
type DocumentStore interface {
	Load(ctx context.Context) (*models.Document, error)
	Save(ctx context.Context, doc *models.Document) error
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // database connection string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	// key=value DSNs such as "host=localhost user=postgres"
	if strings.Contains(dsn, "host=") || (strings.Contains(dsn, "user=") && strings.Contains(dsn, "dbname=")) {
		return "postgres"
	}
	return "sqlite3"
}

// decodeDocument turns a stored blob into a document, falling back to the default shape.
func decodeDocument(raw []byte) *models.Document {
	if len(raw) == 0 {
		return models.NewDocument()
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("store.decodeDocument: stored document is corrupt, using defaults", "error", err, "bytes", len(raw))
		return models.NewDocument()
	}
	doc.Normalize()
	return &doc
}

// InMemoryStore keeps the document and alarms in process memory. Used for tests and
// for running without a database.
type InMemoryStore struct {
	mu     sync.Mutex
	raw    []byte
	alarms map[string]Alarm
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{alarms: make(map[string]Alarm)}
}

// Load returns a copy of the stored document.
func (s *InMemoryStore) Load(ctx context.Context) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeDocument(s.raw), nil
}

// Save replaces the stored document.
func (s *InMemoryStore) Save(ctx context.Context, doc *models.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}

// SetRaw overwrites the stored bytes as-is (for tests exercising corrupt documents).
func (s *InMemoryStore) SetRaw(raw []byte) {
	s.mu.Lock()
	s.raw = append([]byte(nil), raw...)
	s.mu.Unlock()
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

// Backend is a document store that also keeps durable alarms.
type Backend interface {
	DocumentStore
	AlarmRepo
}

// Open picks a backend from the DSN: empty means in-memory, otherwise PostgreSQL or SQLite
// according to DetectDSNType.
func Open(dsn string) (Backend, error) {
	if dsn == "" {
		slog.Warn("store.Open: no DSN configured, data will not survive a restart")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// NewStore builds a backend from options, the way cmd passes them. With no DSN the
// in-memory store is used.
func NewStore(opts ...Option) (Backend, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return Open(cfg.DSN)
}
