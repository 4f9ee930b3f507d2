// Package postgres persists the session narration log in a PostgreSQL
// transcript_entries table with a GIN full-text search index, so past
// conversations can be reviewed and searched.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Log(ctx, entry)
//	recent, _ := store.Recent(ctx, sessionID, 50)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyvoice/parley/internal/transcript"
)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id         UUID         PRIMARY KEY,
    session_id UUID         NOT NULL,
    source     TEXT         NOT NULL,
    text       TEXT         NOT NULL,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
    ON transcript_entries (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('english', text));
`

// Store is the PostgreSQL-backed transcript sink. It holds a single
// [pgxpool.Pool]; all methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ transcript.Sink = (*Store)(nil)

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] so the transcript table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates or ensures the transcript table and its indexes exist.
// It is idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("transcript migrate: %w", err)
	}
	return nil
}

// Log implements [transcript.Sink]. It appends one entry.
func (s *Store) Log(ctx context.Context, e transcript.Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (id, session_id, source, text, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		e.ID,
		e.SessionID,
		string(e.Source),
		e.Text,
		e.Confidence,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("transcript store: log entry: %w", err)
	}
	return nil
}

// Recent returns up to limit entries for sessionID, newest last.
func (s *Store) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]transcript.Entry, error) {
	const q = `
		SELECT id, session_id, source, text, confidence, created_at
		FROM  (SELECT * FROM transcript_entries
		       WHERE session_id = $1
		       ORDER BY created_at DESC
		       LIMIT $2) sub
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Search performs a full-text search over all sessions. The query is passed
// to plainto_tsquery so no operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]transcript.Entry, error) {
	const q = `
		SELECT id, session_id, source, text, confidence, created_at
		FROM   transcript_entries
		WHERE  to_tsvector('english', text) @@ plainto_tsquery('english', $1)
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, query, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript store: search: %w", err)
	}
	return collectEntries(rows)
}

// Since returns all entries for sessionID recorded after the cutoff, oldest
// first.
func (s *Store) Since(ctx context.Context, sessionID uuid.UUID, cutoff time.Time) ([]transcript.Entry, error) {
	const q = `
		SELECT id, session_id, source, text, confidence, created_at
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  created_at > $2
		ORDER  BY created_at`

	rows, err := s.pool.Query(ctx, q, sessionID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("transcript store: since: %w", err)
	}
	return collectEntries(rows)
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// collectEntries scans pgx rows into transcript entries.
func collectEntries(rows pgx.Rows) ([]transcript.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e      transcript.Entry
			source string
		)
		if err := row.Scan(&e.ID, &e.SessionID, &source, &e.Text, &e.Confidence, &e.CreatedAt); err != nil {
			return transcript.Entry{}, err
		}
		e.Source = transcript.Source(source)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript store: scan rows: %w", err)
	}
	return entries, nil
}
