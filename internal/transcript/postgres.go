package transcript

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the transcripts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcripts (
    session_id TEXT NOT NULL,
    segment_id BIGINT NOT NULL,
    text       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, segment_id)
);
CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// transcripts table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("transcript: migrate: %w", err)
	}
	return nil
}

// Save records one final transcript entry. Re-saving the same
// (session, segment) pair overwrites the previous text, which makes retried
// deliveries idempotent.
func (s *PostgresStore) Save(ctx context.Context, e Entry) error {
	const query = `
		INSERT INTO transcripts (session_id, segment_id, text, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id, segment_id) DO UPDATE SET text = EXCLUDED.text`

	if _, err := s.db.Exec(ctx, query, e.SessionID, e.SegmentID, e.Text, e.CreatedAt); err != nil {
		return fmt.Errorf("transcript: save %s/%d: %w", e.SessionID, e.SegmentID, err)
	}
	return nil
}

// BySession returns all entries for a session ordered by segment id.
func (s *PostgresStore) BySession(ctx context.Context, sessionID string) ([]Entry, error) {
	const query = `
		SELECT session_id, segment_id, text, created_at
		FROM transcripts
		WHERE session_id = $1
		ORDER BY segment_id`

	rows, err := s.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.SessionID, &e.SegmentID, &e.Text, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("transcript: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: rows: %w", err)
	}
	return out, nil
}
