package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/chunker"
	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/knowledge"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

const (
	DefaultBatchSize = 32
	DefaultWorkers   = 1
)

// DefaultExclude skips Office lock files and hidden files.
var DefaultExclude = []string{"~$*", ".*"}

// Catalog receives a record of every document written to the index.
type Catalog interface {
	Record(ctx context.Context, collection string, doc knowledge.Document) error
	Remove(ctx context.Context, collection, source string) error
}

// Observer follows the progress of a run. Calls are serialized.
type Observer interface {
	Start(total int)
	FileDone(result FileResult)
}

// Pipeline ingests a directory of policy documents into an index.
type Pipeline struct {
	index     vectorstore.Index
	embedder  embeddings.Embedder
	chunker   *chunker.Chunker
	logger    *zap.Logger
	workers   int
	batchSize int
	exclude   []string
	loaders   map[DocumentFormat]Loader
	salt      string

	catalog    Catalog
	collection string

	observer   Observer
	observerMu sync.Mutex
}

type Option func(*Pipeline)

func WithChunker(c *chunker.Chunker) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.chunker = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkers sets how many documents are processed concurrently.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBatchSize sets how many chunks are sent to the embedder per call.
func WithBatchSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithExclude replaces the default exclude patterns. Patterns use doublestar
// syntax and are matched against the file name.
func WithExclude(patterns ...string) Option {
	return func(p *Pipeline) {
		p.exclude = append([]string(nil), patterns...)
	}
}

// WithLoader registers or replaces the loader for a format.
func WithLoader(format DocumentFormat, loader Loader) Option {
	return func(p *Pipeline) {
		p.loaders[format] = loader
	}
}

// WithCatalog records each ingested document under collection.
func WithCatalog(catalog Catalog, collection string) Option {
	return func(p *Pipeline) {
		p.catalog = catalog
		p.collection = collection
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		p.observer = o
	}
}

// WithFingerprintSalt mixes s into every document fingerprint. Pass the
// embedding model identity so a model change re-embeds the corpus.
func WithFingerprintSalt(s string) Option {
	return func(p *Pipeline) {
		p.salt = s
	}
}

func NewPipeline(index vectorstore.Index, embedder embeddings.Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		index:     index,
		embedder:  embedder,
		chunker:   chunker.New(),
		logger:    zap.NewNop(),
		workers:   DefaultWorkers,
		batchSize: DefaultBatchSize,
		exclude:   append([]string(nil), DefaultExclude...),
		loaders:   DefaultLoaders(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type sourceFile struct {
	path   string
	name   string
	format DocumentFormat
}

// Ingest processes every eligible top-level file in dir. A document that
// fails is reported in its FileResult and does not stop the run. A missing
// directory is a *policy.ConfigurationError. When ctx is cancelled the
// partial report is returned together with the context error.
func (p *Pipeline) Ingest(ctx context.Context, dir string) (*Report, error) {
	if p.embedder == nil || p.index == nil {
		return nil, &policy.ConfigurationError{Op: "ingest", Err: errors.New("index and embedder are required")}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "ingest", Err: fmt.Errorf("data directory: %w", err)}
	}
	if !info.IsDir() {
		return nil, &policy.ConfigurationError{Op: "ingest", Err: fmt.Errorf("data directory %s is not a directory", dir)}
	}

	files, err := p.discover(dir)
	if err != nil {
		return nil, &policy.ConfigurationError{Op: "ingest", Err: err}
	}

	report := &Report{Dir: dir, Files: make([]FileResult, 0, len(files))}
	if len(files) == 0 {
		p.logger.Warn("no documents found", zap.String("dir", dir))
		return report, nil
	}

	p.logger.Info("ingesting documents",
		zap.String("dir", dir),
		zap.Int("files", len(files)),
		zap.Int("workers", p.workers),
		zap.Stringer("chunking", p.chunker.Config()))
	p.notifyStart(len(files))

	pool, err := ants.NewPool(p.workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	defer pool.Release()

	results := make([]FileResult, len(files))
	done := make([]bool, len(files))
	var wg sync.WaitGroup

	for i, file := range files {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			res := p.ingestFile(ctx, file)
			results[i] = res
			done[i] = true
			p.notifyFile(res)
		})
		if submitErr != nil {
			wg.Done()
			results[i] = failed(file, "schedule", submitErr, time.Time{})
			done[i] = true
			p.notifyFile(results[i])
		}
	}
	wg.Wait()

	for i := range results {
		if done[i] {
			report.Files = append(report.Files, results[i])
		}
	}
	sort.SliceStable(report.Files, func(a, b int) bool {
		return report.Files[a].Source < report.Files[b].Source
	})

	if err := ctx.Err(); err != nil {
		return report, err
	}

	p.logger.Info("ingestion finished",
		zap.Int("ingested", report.Count(StatusIngested)),
		zap.Int("unchanged", report.Count(StatusUnchanged)),
		zap.Int("empty", report.Count(StatusEmpty)),
		zap.Int("failed", report.Count(StatusFailed)),
		zap.Int("chunks", report.Chunks()))
	return report, nil
}

func (p *Pipeline) discover(dir string) ([]sourceFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	files := make([]sourceFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)

		if entry.IsDir() {
			continue
		}
		if !entry.Type().IsRegular() {
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
		}

		format := DetectFormat(name)
		if format == FormatUnknown {
			continue
		}
		if _, ok := p.loaders[format]; !ok {
			continue
		}
		if p.excluded(name) {
			p.logger.Debug("skip excluded file", zap.String("file", name))
			continue
		}
		files = append(files, sourceFile{path: path, name: name, format: format})
	}
	return files, nil
}

func (p *Pipeline) excluded(name string) bool {
	for _, pattern := range p.exclude {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (p *Pipeline) ingestFile(ctx context.Context, file sourceFile) FileResult {
	started := time.Now()
	logger := p.logger.With(zap.String("source", file.name))

	if err := ctx.Err(); err != nil {
		return failed(file, "start", err, started)
	}

	data, err := os.ReadFile(file.path)
	if err != nil {
		return failed(file, "read", err, started)
	}
	fingerprint := p.fingerprint(data)

	previous, err := p.index.Fingerprint(ctx, file.name)
	if err != nil {
		return failed(file, "lookup", err, started)
	}
	if previous == fingerprint {
		logger.Debug("document unchanged")
		return FileResult{Source: file.name, Format: file.format, Status: StatusUnchanged, Duration: time.Since(started)}
	}

	text, err := p.loaders[file.format].Load(ctx, data)
	if err != nil {
		return failed(file, "load", err, started)
	}

	chunks := p.chunker.Chunk(policy.Document{Source: file.name, Text: text})
	if len(chunks) == 0 {
		if err := p.index.DeleteSource(ctx, file.name); err != nil {
			return failed(file, "store", err, started)
		}
		p.removeFromCatalog(ctx, logger, file.name)
		logger.Warn("document has no text")
		return FileResult{Source: file.name, Format: file.format, Status: StatusEmpty, Duration: time.Since(started)}
	}

	vectors, err := p.embed(ctx, chunks)
	if err != nil {
		return failed(file, "embed", err, started)
	}

	entries := make([]policy.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = policy.Entry{Chunk: chunk, Embedding: vectors[i]}
	}
	if err := p.index.ReplaceSource(ctx, file.name, fingerprint, entries); err != nil {
		return failed(file, "store", err, started)
	}

	if p.catalog != nil {
		doc := knowledge.Document{
			Source:     file.name,
			Title:      ExtractTitle(text, file.name),
			Format:     string(file.format),
			SHA:        fingerprint,
			ChunkCount: len(chunks),
		}
		if err := p.catalog.Record(ctx, p.collection, doc); err != nil {
			logger.Warn("catalog record failed", zap.Error(err))
		}
	}

	logger.Info("document ingested", zap.Int("chunks", len(chunks)), zap.Duration("took", time.Since(started)))
	return FileResult{
		Source:   file.name,
		Format:   file.format,
		Status:   StatusIngested,
		Chunks:   len(chunks),
		Duration: time.Since(started),
	}
}

func (p *Pipeline) embed(ctx context.Context, chunks []policy.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.batchSize {
		end := min(start+p.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, chunk := range chunks[start:end] {
			texts = append(texts, chunk.Text)
		}

		batch, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(batch))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (p *Pipeline) fingerprint(data []byte) string {
	h := sha256.New()
	h.Write(data)
	h.Write([]byte{0})
	h.Write([]byte(p.chunker.Config().String()))
	h.Write([]byte{0})
	h.Write([]byte(p.salt))
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Pipeline) removeFromCatalog(ctx context.Context, logger *zap.Logger, source string) {
	if p.catalog == nil {
		return
	}
	if err := p.catalog.Remove(ctx, p.collection, source); err != nil {
		logger.Warn("catalog remove failed", zap.Error(err))
	}
}

func (p *Pipeline) notifyStart(total int) {
	if p.observer == nil {
		return
	}
	p.observerMu.Lock()
	defer p.observerMu.Unlock()
	p.observer.Start(total)
}

func (p *Pipeline) notifyFile(res FileResult) {
	if p.observer == nil {
		return
	}
	p.observerMu.Lock()
	defer p.observerMu.Unlock()
	p.observer.FileDone(res)
}

func failed(file sourceFile, stage string, err error, started time.Time) FileResult {
	var took time.Duration
	if !started.IsZero() {
		took = time.Since(started)
	}
	return FileResult{
		Source:   file.name,
		Format:   file.format,
		Status:   StatusFailed,
		Err:      &policy.IngestionItemError{Source: file.name, Stage: stage, Err: err},
		Duration: took,
	}
}
