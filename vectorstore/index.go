// Package vectorstore persists embedded chunks and answers nearest-neighbour
// queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/fabfab/policy-agent/config"
	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/policy"
)

// ErrDimensionMismatch is returned when a vector does not match the
// dimension recorded for the collection.
var ErrDimensionMismatch = database.ErrDimensionMismatch

// IndexFile is the SQLite file name inside the index directory.
const IndexFile = "index.db"

// Index is a persistent collection of embedded chunks.
type Index interface {
	// Upsert inserts entries, replacing any entry with the same source and
	// position.
	Upsert(ctx context.Context, entries []policy.Entry) error
	// ReplaceSource atomically swaps every entry of source for entries and
	// records the document fingerprint.
	ReplaceSource(ctx context.Context, source, fingerprint string, entries []policy.Entry) error
	// Fingerprint returns the recorded fingerprint of source, "" if unknown.
	Fingerprint(ctx context.Context, source string) (string, error)
	DeleteSource(ctx context.Context, source string) error
	// Search returns at most k entries by descending cosine similarity.
	// Equal scores keep insertion order.
	Search(ctx context.Context, query []float32, k int) ([]policy.ScoredChunk, error)
	// Dimension returns the collection's vector dimension, 0 before the first
	// write.
	Dimension(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}

// OpenOptions controls how Open treats a missing index.
type OpenOptions struct {
	// Create allows a new, empty index to be created. Query paths leave it
	// false so an index that was never built is reported instead of searched.
	Create bool
}

// Open opens the index backend selected by cfg.
func Open(ctx context.Context, cfg config.Config, opts OpenOptions) (Index, error) {
	switch cfg.Index.Backend {
	case config.BackendSQLite, "":
		path := filepath.Join(cfg.Index.Dir, IndexFile)
		db, err := database.OpenSQLite(path, opts.Create)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &policy.ConfigurationError{
					Op:  "open index",
					Err: fmt.Errorf("no index at %s, run ingest first: %w", path, err),
				}
			}
			return nil, &policy.ConfigurationError{Op: "open index", Err: err}
		}
		return NewSQLiteIndex(db, cfg.Index.Collection), nil
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, &policy.ConfigurationError{Op: "open index", Err: err}
		}
		if err := database.EnsureIndexSchema(ctx, pool, cfg.Index.Collection, cfg.Embeddings.Dimension); err != nil {
			pool.Close()
			return nil, &policy.ConfigurationError{Op: "prepare index schema", Err: err}
		}
		idx := NewPostgresIndex(pool, cfg.Index.Collection, WithOwnedPool())
		if err := idx.ensureVectorIndex(ctx); err != nil {
			pool.Close()
			return nil, &policy.ConfigurationError{Op: "prepare index schema", Err: err}
		}
		return idx, nil
	default:
		return nil, &policy.ConfigurationError{
			Op:  "open index",
			Err: fmt.Errorf("unsupported index backend: %s", cfg.Index.Backend),
		}
	}
}

var entryNamespace = uuid.MustParse("0f5a7c53-51d2-4c1e-8f6e-3b1a9d2c7e40")

// EntryID derives the stable identifier of the chunk at position in source.
func EntryID(collection, source string, position int) string {
	key := collection + "\x00" + source + "\x00" + strconv.Itoa(position)
	return uuid.NewSHA1(entryNamespace, []byte(key)).String()
}

func checkEntries(entries []policy.Entry) (int, error) {
	dim := 0
	for i, entry := range entries {
		if len(entry.Embedding) == 0 {
			return 0, fmt.Errorf("entry %d of %s has no embedding", i, entry.Chunk.Source)
		}
		if dim == 0 {
			dim = len(entry.Embedding)
			continue
		}
		if len(entry.Embedding) != dim {
			return 0, fmt.Errorf("%w: entry %d has %d values, expected %d", ErrDimensionMismatch, i, len(entry.Embedding), dim)
		}
	}
	return dim, nil
}
