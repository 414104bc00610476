// Package eventlog persists bus envelopes to PostgreSQL for dashboard
// catch-up and later analysis. Recording is strictly best-effort: a
// database outage degrades to logged drops and never backpressures the
// bus.
package eventlog

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// StoredEvent is one persisted envelope.
type StoredEvent struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EmittedAt     time.Time       `json:"emitted_at"`
}

// Store is the events table access layer.
type Store struct {
	db     *stdsql.DB
	logger *slog.Logger
}

// Open connects, configures pooling, and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, logger: slog.With("component", "eventlog")}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports database reachability for health summaries.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// entry is one envelope flattened for insertion.
type entry struct {
	id            string
	eventType     string
	correlationID string
	payload       []byte
	emittedAt     time.Time
}

// insertBatch appends a batch inside one transaction. Failures roll the
// whole batch back; the caller decides whether to drop it.
func (s *Store) insertBatch(ctx context.Context, entries []entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (id, event_type, correlation_id, payload, emitted_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.id, e.eventType, e.correlationID, e.payload, e.emittedAt); err != nil {
			return fmt.Errorf("insert event %s: %w", e.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// Recent returns the newest events whose type starts with prefix, newest
// first. An empty prefix matches everything.
func (s *Store) Recent(ctx context.Context, prefix string, limit int) ([]StoredEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, correlation_id, payload, emitted_at
		 FROM events
		 WHERE event_type LIKE $1 || '%'
		 ORDER BY emitted_at DESC
		 LIMIT $2`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.CorrelationID, &payload, &ev.EmittedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "events", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source; closing m would also close the shared *sql.DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}
