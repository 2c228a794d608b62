// Package transcript implements the secondary media consumer: a VAD-gated
// transcription pipeline that writes timestamped, embedded transcript
// segments to PostgreSQL. It is write-only by design; retrieval and
// analytics run against the database directly.
package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Segment is one transcribed utterance of a call.
type Segment struct {
	CallID     string
	Timestamp  time.Time
	Text       string
	Language   string
	Confidence float64

	// Embedding is the semantic vector for Text. Nil when no embedding
	// provider is configured; the column is then left NULL.
	Embedding []float32
}

// Writer persists transcript segments. Implemented by [Store]; tests supply
// in-memory fakes.
type Writer interface {
	WriteSegment(ctx context.Context, seg Segment) error
}

// Store is the PostgreSQL-backed segment sink. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ Writer = (*Store)(nil)

const ddlSegments = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_segments (
    id         BIGSERIAL PRIMARY KEY,
    call_id    TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    text       TEXT NOT NULL,
    language   TEXT NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    embedding  vector(%d)
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_call_id
    ON transcript_segments (call_id);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_ts
    ON transcript_segments (ts);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_embedding
    ON transcript_segments USING hnsw (embedding vector_cosine_ops);
`

// NewStore connects to the PostgreSQL database at dsn, registers pgvector
// types on every connection, and ensures the transcript schema exists.
//
// embeddingDimensions must match the output dimension of the configured
// embedding model. Changing it after the first migration requires a manual
// schema change.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the transcript schema. It is idempotent and safe to run on
// every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if _, err := pool.Exec(ctx, fmt.Sprintf(ddlSegments, embeddingDimensions)); err != nil {
		return fmt.Errorf("transcript migrate: %w", err)
	}
	return nil
}

// WriteSegment implements [Writer].
func (s *Store) WriteSegment(ctx context.Context, seg Segment) error {
	const q = `
		INSERT INTO transcript_segments (call_id, ts, text, language, confidence, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`

	var embedding any
	if seg.Embedding != nil {
		embedding = pgvector.NewVector(seg.Embedding)
	}
	_, err := s.pool.Exec(ctx, q,
		seg.CallID,
		seg.Timestamp,
		seg.Text,
		seg.Language,
		seg.Confidence,
		embedding,
	)
	if err != nil {
		return fmt.Errorf("transcript store: write segment: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
