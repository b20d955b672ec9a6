package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fabfab/policy-agent/policy"
)

// SQLiteIndex stores entries in a local SQLite database and answers searches
// with a full cosine scan of the collection.
type SQLiteIndex struct {
	db         *sql.DB
	collection string

	// SQLite allows one writer at a time; serialize here instead of relying
	// on busy retries.
	writeMu sync.Mutex
}

func NewSQLiteIndex(db *sql.DB, collection string) *SQLiteIndex {
	return &SQLiteIndex{db: db, collection: collection}
}

const upsertEntrySQL = `
	INSERT INTO entries (id, collection, source, position, start_offset, end_offset, content, embedding, dimension, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, source, position) DO UPDATE SET
		id = excluded.id,
		start_offset = excluded.start_offset,
		end_offset = excluded.end_offset,
		content = excluded.content,
		embedding = excluded.embedding,
		dimension = excluded.dimension,
		created_at = excluded.created_at
`

func (s *SQLiteIndex) Upsert(ctx context.Context, entries []policy.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	dim, err := checkEntries(entries)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureCollection(ctx, tx, dim); err != nil {
		return err
	}
	if err := s.insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit entries: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) ReplaceSource(ctx context.Context, source, fingerprint string, entries []policy.Entry) error {
	dim, err := checkEntries(entries)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Chunk.Source != source {
			return fmt.Errorf("entry for %s passed to replace %s", entry.Chunk.Source, source)
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if dim > 0 {
		if err := s.ensureCollection(ctx, tx, dim); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE collection = ? AND source = ?", s.collection, source); err != nil {
		return fmt.Errorf("delete entries of %s: %w", source, err)
	}
	if err := s.insertEntries(ctx, tx, entries); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, source, fingerprint, chunk_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, source) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`, s.collection, source, fingerprint, len(entries), now()); err != nil {
		return fmt.Errorf("record document %s: %w", source, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit document %s: %w", source, err)
	}
	return nil
}

func (s *SQLiteIndex) Fingerprint(ctx context.Context, source string) (string, error) {
	var fingerprint string
	err := s.db.QueryRowContext(ctx,
		"SELECT fingerprint FROM documents WHERE collection = ? AND source = ?",
		s.collection, source).Scan(&fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query fingerprint of %s: %w", source, err)
	}
	return fingerprint, nil
}

func (s *SQLiteIndex) DeleteSource(ctx context.Context, source string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM entries WHERE collection = ? AND source = ?", s.collection, source); err != nil {
		return fmt.Errorf("delete entries of %s: %w", source, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND source = ?", s.collection, source); err != nil {
		return fmt.Errorf("delete document %s: %w", source, err)
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Search(ctx context.Context, query []float32, k int) ([]policy.ScoredChunk, error) {
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	dim, err := s.Dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return []policy.ScoredChunk{}, nil
	}
	if len(query) != dim {
		return nil, fmt.Errorf("%w: query has %d values, index stores %d", ErrDimensionMismatch, len(query), dim)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, position, start_offset, end_offset, content, embedding
		FROM entries
		WHERE collection = ?
		ORDER BY seq
	`, s.collection)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	hits := make([]policy.ScoredChunk, 0)
	for rows.Next() {
		var chunk policy.Chunk
		var blob []byte
		if err := rows.Scan(&chunk.ID, &chunk.Source, &chunk.Position, &chunk.Start, &chunk.End, &chunk.Text, &blob); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		vec, err := blobToVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode entry %s: %w", chunk.ID, err)
		}
		hits = append(hits, policy.ScoredChunk{Chunk: chunk, Score: Cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}

	return rankTopK(hits, k), nil
}

func (s *SQLiteIndex) Dimension(ctx context.Context) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx,
		"SELECT dimension FROM collections WHERE name = ?", s.collection).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query collection dimension: %w", err)
	}
	return dim, nil
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE collection = ?", s.collection).Scan(&count); err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return count, nil
}

// Clear removes every entry and document of the collection and forgets its
// dimension.
func (s *SQLiteIndex) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM entries WHERE collection = ?",
		"DELETE FROM documents WHERE collection = ?",
		"DELETE FROM collections WHERE name = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, s.collection); err != nil {
			return fmt.Errorf("clear collection: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}

func (s *SQLiteIndex) ensureCollection(ctx context.Context, tx *sql.Tx, dim int) error {
	var existing int
	err := tx.QueryRowContext(ctx,
		"SELECT dimension FROM collections WHERE name = ?", s.collection).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO collections (name, dimension, metric, created_at) VALUES (?, ?, 'cosine', ?)",
			s.collection, dim, now()); err != nil {
			return fmt.Errorf("register collection: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("query collection dimension: %w", err)
	case existing != dim:
		return fmt.Errorf("%w: entries have %d values, index stores %d", ErrDimensionMismatch, dim, existing)
	}
	return nil
}

func (s *SQLiteIndex) insertEntries(ctx context.Context, tx *sql.Tx, entries []policy.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, upsertEntrySQL)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer stmt.Close()

	created := now()
	for _, entry := range entries {
		c := entry.Chunk
		id := c.ID
		if id == "" {
			id = EntryID(s.collection, c.Source, c.Position)
		}
		if _, err := stmt.ExecContext(ctx,
			id, s.collection, c.Source, c.Position, c.Start, c.End, c.Text,
			vectorToBlob(entry.Embedding), len(entry.Embedding), created,
		); err != nil {
			return fmt.Errorf("insert entry %s#%d: %w", c.Source, c.Position, err)
		}
	}
	return nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ Index = (*SQLiteIndex)(nil)
