package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/policy"
)

// PostgresIndex stores entries in pgvector tables. The vector dimension is
// fixed when the schema is created, so Dimension reports the registered
// value even before the first write.
type PostgresIndex struct {
	pool       *pgxpool.Pool
	collection string
	ownsPool   bool

	indexMu       sync.Mutex
	vectorIndexed bool
}

type PostgresOption func(*PostgresIndex)

// WithOwnedPool makes Close close the pool.
func WithOwnedPool() PostgresOption {
	return func(p *PostgresIndex) {
		p.ownsPool = true
	}
}

func NewPostgresIndex(pool *pgxpool.Pool, collection string, opts ...PostgresOption) *PostgresIndex {
	idx := &PostgresIndex{pool: pool, collection: collection}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

const upsertChunkSQL = `
	INSERT INTO rag_chunks (chunk_id, collection, source_path, position, start_offset, end_offset, content, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector)
	ON CONFLICT (collection, source_path, position) DO UPDATE SET
		chunk_id = EXCLUDED.chunk_id,
		start_offset = EXCLUDED.start_offset,
		end_offset = EXCLUDED.end_offset,
		content = EXCLUDED.content,
		embedding = EXCLUDED.embedding
`

func (p *PostgresIndex) Upsert(ctx context.Context, entries []policy.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := p.checkDimension(ctx, entries); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := p.insertChunks(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return p.ensureVectorIndex(ctx)
}

func (p *PostgresIndex) ReplaceSource(ctx context.Context, source, fingerprint string, entries []policy.Entry) error {
	if err := p.checkDimension(ctx, entries); err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Chunk.Source != source {
			return fmt.Errorf("entry for %s passed to replace %s", entry.Chunk.Source, source)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		"DELETE FROM rag_chunks WHERE collection = $1 AND source_path = $2", p.collection, source); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", source, err)
	}
	if err := p.insertChunks(ctx, tx, entries); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO rag_documents (collection, source_path, fingerprint, chunk_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (collection, source_path) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			chunk_count = EXCLUDED.chunk_count,
			updated_at = NOW()
	`, p.collection, source, fingerprint, len(entries)); err != nil {
		return fmt.Errorf("upsert document %s: %w", source, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	return p.ensureVectorIndex(ctx)
}

// ensureVectorIndex builds the ivfflat index after the first rows land.
func (p *PostgresIndex) ensureVectorIndex(ctx context.Context) error {
	p.indexMu.Lock()
	defer p.indexMu.Unlock()

	if p.vectorIndexed {
		return nil
	}
	ok, err := database.EnsureVectorIndex(ctx, p.pool)
	if err != nil {
		return err
	}
	p.vectorIndexed = ok
	return nil
}

func (p *PostgresIndex) Fingerprint(ctx context.Context, source string) (string, error) {
	var fingerprint string
	err := p.pool.QueryRow(ctx,
		"SELECT fingerprint FROM rag_documents WHERE collection = $1 AND source_path = $2",
		p.collection, source).Scan(&fingerprint)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query fingerprint of %s: %w", source, err)
	}
	return fingerprint, nil
}

func (p *PostgresIndex) DeleteSource(ctx context.Context, source string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx,
		"DELETE FROM rag_chunks WHERE collection = $1 AND source_path = $2", p.collection, source); err != nil {
		return fmt.Errorf("delete chunks of %s: %w", source, err)
	}
	if _, err := tx.Exec(ctx,
		"DELETE FROM rag_documents WHERE collection = $1 AND source_path = $2", p.collection, source); err != nil {
		return fmt.Errorf("delete document %s: %w", source, err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresIndex) Search(ctx context.Context, query []float32, k int) ([]policy.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	dim, err := p.Dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim > 0 && len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d values, index stores %d", ErrDimensionMismatch, len(query), dim)
	}

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := max(k*10, 10)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT chunk_id::text, source_path, position, start_offset, end_offset, content,
			(embedding <=> $1::vector) AS distance
		FROM rag_chunks
		WHERE collection = $2
		ORDER BY embedding <=> $1::vector, id
		LIMIT $3
	`, pgvector.NewVector(query), p.collection, k)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]policy.ScoredChunk, 0, k)
	for rows.Next() {
		var item policy.ScoredChunk
		var distance float64
		if err := rows.Scan(&item.Chunk.ID, &item.Chunk.Source, &item.Chunk.Position,
			&item.Chunk.Start, &item.Chunk.End, &item.Chunk.Text, &distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		item.Score = 1 - distance
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar chunks: %w", err)
	}
	return results, nil
}

func (p *PostgresIndex) Dimension(ctx context.Context) (int, error) {
	var dim int
	err := p.pool.QueryRow(ctx,
		"SELECT dimension FROM rag_collections WHERE name = $1", p.collection).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query collection dimension: %w", err)
	}
	return dim, nil
}

func (p *PostgresIndex) Count(ctx context.Context) (int, error) {
	var count int
	if err := p.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM rag_chunks WHERE collection = $1", p.collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

func (p *PostgresIndex) Clear(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "DELETE FROM rag_chunks WHERE collection = $1", p.collection); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM rag_documents WHERE collection = $1", p.collection); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresIndex) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresIndex) checkDimension(ctx context.Context, entries []policy.Entry) error {
	dim, err := checkEntries(entries)
	if err != nil || dim == 0 {
		return err
	}
	stored, err := p.Dimension(ctx)
	if err != nil {
		return err
	}
	if stored > 0 && stored != dim {
		return fmt.Errorf("%w: entries have %d values, index stores %d", ErrDimensionMismatch, dim, stored)
	}
	return nil
}

func (p *PostgresIndex) insertChunks(ctx context.Context, tx pgx.Tx, entries []policy.Entry) error {
	for _, entry := range entries {
		c := entry.Chunk
		id := c.ID
		if id == "" {
			id = EntryID(p.collection, c.Source, c.Position)
		}
		if _, err := tx.Exec(ctx, upsertChunkSQL,
			id, p.collection, c.Source, c.Position, c.Start, c.End, c.Text,
			pgvector.NewVector(entry.Embedding),
		); err != nil {
			return fmt.Errorf("insert chunk %s#%d: %w", c.Source, c.Position, err)
		}
	}
	return nil
}

var _ Index = (*PostgresIndex)(nil)
