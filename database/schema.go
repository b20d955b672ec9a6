package database

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDimensionMismatch is returned when an index was created for vectors of a
// different length than the ones being written or searched.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// EnsureIndexSchema creates the pgvector tables and registers the collection
// with its vector dimension. An existing collection with another dimension is
// rejected.
func EnsureIndexSchema(ctx context.Context, pool *pgxpool.Pool, collection string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}

	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS rag_collections (
			name TEXT PRIMARY KEY,
			dimension INT NOT NULL,
			metric TEXT NOT NULL DEFAULT 'cosine',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS rag_documents (
			collection TEXT NOT NULL,
			source_path TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			chunk_count INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, source_path)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id BIGSERIAL PRIMARY KEY,
			chunk_id UUID NOT NULL UNIQUE,
			collection TEXT NOT NULL,
			source_path TEXT NOT NULL,
			position INT NOT NULL,
			start_offset INT NOT NULL,
			end_offset INT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (collection, source_path, position)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_rag_chunks_collection ON rag_chunks(collection, id)",
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}

	var existing int
	err := pool.QueryRow(ctx, "SELECT dimension FROM rag_collections WHERE name = $1", collection).Scan(&existing)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := pool.Exec(ctx,
			"INSERT INTO rag_collections (name, dimension) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING",
			collection, dimension); err != nil {
			return fmt.Errorf("register collection: %w", err)
		}
	case err != nil:
		return fmt.Errorf("query collection: %w", err)
	case existing != dimension:
		return fmt.Errorf("%w: collection %s stores %d, configured %d", ErrDimensionMismatch, collection, existing, dimension)
	}

	return nil
}

// VectorIndexName is the ivfflat index over rag_chunks.embedding.
const VectorIndexName = "idx_rag_chunks_embedding"

// EnsureVectorIndex builds the ivfflat index once rag_chunks has rows, since
// ivfflat trains its lists on the rows present at build time. It reports
// whether the index exists on return. After a bulk reload of a much larger
// corpus, run REINDEX INDEX idx_rag_chunks_embedding to retrain the lists.
func EnsureVectorIndex(ctx context.Context, pool *pgxpool.Pool) (bool, error) {
	if pool == nil {
		return false, fmt.Errorf("postgres pool is nil")
	}

	var exists bool
	if err := pool.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", VectorIndexName).Scan(&exists); err != nil {
		return false, fmt.Errorf("look up vector index: %w", err)
	}
	if exists {
		return true, nil
	}

	var rows int64
	if err := pool.QueryRow(ctx, "SELECT COUNT(*) FROM rag_chunks").Scan(&rows); err != nil {
		return false, fmt.Errorf("count chunks: %w", err)
	}
	if rows == 0 {
		return false, nil
	}

	stmt := fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON rag_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)",
		VectorIndexName, IVFFlatLists(rows))
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return false, fmt.Errorf("create vector index: %w", err)
	}
	return true, nil
}

// IVFFlatLists returns the list count for rows: rows/1000 up to a million
// rows, sqrt(rows) beyond, never less than one.
func IVFFlatLists(rows int64) int {
	if rows <= 1_000_000 {
		return max(1, int(rows/1000))
	}
	return int(math.Sqrt(float64(rows)))
}
