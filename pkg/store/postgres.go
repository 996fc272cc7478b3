package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"newsflow/internal/models"
	"newsflow/pkg/retry"
)

// Config describes the Postgres persistence sink.
type Config struct {
	ConnString   string
	Table        string
	ResultsTable string
	VectorDim    int
}

// Store persists accepted documents and ingestion results. Upsert is
// keyed by content hash so at-least-once delivery after a crash never
// duplicates records.
type Store struct {
	cfg  Config
	pool *pgxpool.Pool
}

// New connects and creates the schema if missing.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "documents"
	}
	if cfg.ResultsTable == "" {
		cfg.ResultsTable = "ingestion_results"
	}
	if cfg.VectorDim == 0 {
		cfg.VectorDim = 768
	}

	pool, err := pgxpool.New(ctx, cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{cfg: cfg, pool: pool}
	if err := s.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}

	createDocs := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			content_hash TEXT PRIMARY KEY,
			source_id    TEXT NOT NULL,
			uri          TEXT NOT NULL,
			title        TEXT,
			content      TEXT,
			language     TEXT,
			score        DOUBLE PRECISION,
			published_at TIMESTAMPTZ,
			fetched_at   TIMESTAMPTZ,
			embedding    vector(%d),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.cfg.Table, s.cfg.VectorDim)
	if _, err := s.pool.Exec(ctx, createDocs); err != nil {
		return fmt.Errorf("create table %s: %w", s.cfg.Table, err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, s.cfg.Table, s.cfg.Table)
	if _, err := s.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("create embedding index: %w", err)
	}

	createResults := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            TEXT PRIMARY KEY,
			source_id     TEXT NOT NULL,
			uri           TEXT,
			content_hash  TEXT,
			status        TEXT NOT NULL,
			reason        TEXT,
			score         DOUBLE PRECISION,
			quality       TEXT,
			dedup_skipped BOOLEAN NOT NULL DEFAULT FALSE,
			elapsed_ms    BIGINT,
			completed_at  TIMESTAMPTZ NOT NULL
		)`, s.cfg.ResultsTable)
	if _, err := s.pool.Exec(ctx, createResults); err != nil {
		return fmt.Errorf("create table %s: %w", s.cfg.ResultsTable, err)
	}

	return nil
}

// Upsert writes one accepted document. The embedding may be nil when the
// dedup check was skipped; the column stays NULL in that case.
func (s *Store) Upsert(ctx context.Context, doc models.ScoredDocument, embedding []float32) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (content_hash, source_id, uri, title, content, language, score, published_at, fetched_at, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (content_hash) DO UPDATE SET
			title      = EXCLUDED.title,
			content    = EXCLUDED.content,
			score      = EXCLUDED.score,
			embedding  = COALESCE(EXCLUDED.embedding, %s.embedding),
			updated_at = NOW()`, s.cfg.Table, s.cfg.Table)

	var embArg any
	if len(embedding) > 0 {
		embArg = pgvector.NewVector(embedding)
	}

	_, err := s.pool.Exec(ctx, stmt,
		doc.ContentHash,
		doc.SourceID,
		doc.URI,
		sanitizeUTF8(doc.Title),
		sanitizeUTF8(doc.Text),
		doc.Language,
		doc.Score,
		doc.PublishedAt,
		doc.FetchedAt,
		embArg,
	)
	if err != nil {
		return classify(fmt.Errorf("upsert document %s: %w", shortHash(doc.ContentHash), err))
	}
	return nil
}

// SaveResult records one terminal pipeline outcome.
func (s *Store) SaveResult(ctx context.Context, res models.IngestionResult) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, uri, content_hash, status, reason, score, quality, dedup_skipped, elapsed_ms, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`, s.cfg.ResultsTable)

	_, err := s.pool.Exec(ctx, stmt,
		res.ID,
		res.SourceID,
		res.URI,
		res.ContentHash,
		string(res.Status),
		res.Reason,
		res.Score,
		string(res.Quality),
		res.DedupSkipped,
		res.Elapsed.Milliseconds(),
		res.CompletedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("save result %s: %w", res.ID, err))
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// classify maps database errors onto the retry taxonomy: integrity and
// schema violations are permanent, everything else (connection loss,
// serialization) is transient.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := ""
		if len(pgErr.Code) >= 2 {
			class = pgErr.Code[:2]
		}
		switch class {
		case "22", "23", "42": // data, integrity, syntax/schema
			return retry.Permanent(err)
		}
	}
	return retry.Transient(err)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
