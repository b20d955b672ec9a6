package ingestion

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/policy-agent/chunker"
	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/knowledge"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

const leavePolicy = `# Leave Policy

Employees receive 20 days of annual leave per year.

Unused leave may be carried over up to 5 days.`

const travelPolicy = `Travel Policy

Economy class is required for flights under six hours.`

func newIndex(t *testing.T) vectorstore.Index {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), vectorstore.IndexFile), true)
	require.NoError(t, err)
	idx := vectorstore.NewSQLiteIndex(db, "test")
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func statuses(r *Report) map[string]Status {
	out := make(map[string]Status, len(r.Files))
	for _, f := range r.Files {
		out[f.Source] = f.Status
	}
	return out
}

type countingEmbedder struct {
	inner embeddings.Embedder
	mu    sync.Mutex
	calls [][]string
	fail  func(texts []string) error
}

func (c *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	c.calls = append(c.calls, texts)
	c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(texts); err != nil {
			return nil, err
		}
	}
	return c.inner.Embed(ctx, texts)
}

func (c *countingEmbedder) texts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		n += len(call)
	}
	return n
}

type recordingCatalog struct {
	mu      sync.Mutex
	records map[string]knowledge.Document
	removed []string
}

func (r *recordingCatalog) Record(_ context.Context, collection string, doc knowledge.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records == nil {
		r.records = map[string]knowledge.Document{}
	}
	r.records[collection+"/"+doc.Source] = doc
	return nil
}

func (r *recordingCatalog) Remove(_ context.Context, collection, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, collection+"/"+source)
	return nil
}

type recordingObserver struct {
	total int
	files []FileResult
}

func (o *recordingObserver) Start(total int)         { o.total = total }
func (o *recordingObserver) FileDone(res FileResult) { o.files = append(o.files, res) }

func TestIngestMissingDirectory(t *testing.T) {
	p := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32))

	_, err := p.Ingest(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.True(t, policy.IsConfiguration(err))
}

func TestIngestFileInsteadOfDirectory(t *testing.T) {
	dir := writeFiles(t, map[string]string{"a.md": "x"})
	p := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32))

	_, err := p.Ingest(context.Background(), filepath.Join(dir, "a.md"))
	assert.True(t, policy.IsConfiguration(err))
}

func TestIngestEmptyDirectory(t *testing.T) {
	idx := newIndex(t)
	p := NewPipeline(idx, embeddings.NewHashEmbedder(32))

	report, err := p.Ingest(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, report.Files)

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIngestSelectsEligibleFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"leave.md":       leavePolicy,
		"TRAVEL.TXT":     travelPolicy,
		"~$leave.md":     "lock file",
		".draft.md":      "hidden",
		"notes.docx":     "unsupported",
		"handbook.Markd": "unsupported",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive.md"), 0o755))

	idx := newIndex(t)
	p := NewPipeline(idx, embeddings.NewHashEmbedder(32))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{
		"TRAVEL.TXT": StatusIngested,
		"leave.md":   StatusIngested,
	}, statuses(report))
	assert.Equal(t, "TRAVEL.TXT", report.Files[0].Source)
	assert.Equal(t, FormatText, report.Files[0].Format)

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, report.Chunks(), count)
	assert.Positive(t, count)
}

func TestReingestUnchangedCorpusWritesNothing(t *testing.T) {
	dir := writeFiles(t, map[string]string{"leave.md": leavePolicy, "travel.txt": travelPolicy})
	idx := newIndex(t)
	emb := &countingEmbedder{inner: embeddings.NewHashEmbedder(32)}
	p := NewPipeline(idx, emb)
	ctx := context.Background()

	_, err := p.Ingest(ctx, dir)
	require.NoError(t, err)
	before, err := idx.Count(ctx)
	require.NoError(t, err)
	embedded := emb.texts()

	report, err := p.Ingest(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(StatusUnchanged))

	after, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, embedded, emb.texts(), "unchanged documents are not re-embedded")
}

func TestChangedDocumentReplacesEntries(t *testing.T) {
	long := strings.Repeat("Overtime must be approved in advance. ", 20)
	dir := writeFiles(t, map[string]string{"overtime.md": long})
	idx := newIndex(t)
	p := NewPipeline(idx, embeddings.NewHashEmbedder(32), WithChunker(chunker.New(chunker.WithChunkSize(100), chunker.WithOverlap(10))))
	ctx := context.Background()

	first, err := p.Ingest(ctx, dir)
	require.NoError(t, err)
	require.Greater(t, first.Chunks(), 1)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "overtime.md"), []byte("Overtime is not paid."), 0o600))
	second, err := p.Ingest(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, second.Files[0].Status)
	assert.Equal(t, 1, second.Chunks())

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChunkingChangeReingests(t *testing.T) {
	dir := writeFiles(t, map[string]string{"leave.md": leavePolicy})
	idx := newIndex(t)
	ctx := context.Background()

	_, err := NewPipeline(idx, embeddings.NewHashEmbedder(32)).Ingest(ctx, dir)
	require.NoError(t, err)

	report, err := NewPipeline(idx, embeddings.NewHashEmbedder(32),
		WithChunker(chunker.New(chunker.WithChunkSize(40), chunker.WithOverlap(5)))).Ingest(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, StatusIngested, report.Files[0].Status)
}

func TestFailingDocumentDoesNotAbortRun(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"broken.pdf": "this is not a pdf",
		"leave.md":   leavePolicy,
		"travel.txt": travelPolicy,
	})
	idx := newIndex(t)
	p := NewPipeline(idx, embeddings.NewHashEmbedder(32))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, map[string]Status{
		"broken.pdf": StatusFailed,
		"leave.md":   StatusIngested,
		"travel.txt": StatusIngested,
	}, statuses(report))

	failures := report.Failures()
	require.Len(t, failures, 1)
	var itemErr *policy.IngestionItemError
	require.True(t, errors.As(failures[0].Err, &itemErr))
	assert.Equal(t, "broken.pdf", itemErr.Source)
	assert.Equal(t, "load", itemErr.Stage)
}

func TestEmbeddingFailureIsPerDocument(t *testing.T) {
	dir := writeFiles(t, map[string]string{"leave.md": leavePolicy, "travel.txt": travelPolicy})
	emb := &countingEmbedder{
		inner: embeddings.NewHashEmbedder(32),
		fail: func(texts []string) error {
			for _, text := range texts {
				if strings.Contains(text, "Economy") {
					return errors.New("model crashed")
				}
			}
			return nil
		},
	}
	p := NewPipeline(newIndex(t), emb, WithWorkers(2))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, statuses(report)["travel.txt"])
	assert.Equal(t, StatusIngested, statuses(report)["leave.md"])
	assert.ErrorContains(t, report.Failures()[0].Err, "model crashed")
}

func TestEmptyDocument(t *testing.T) {
	dir := writeFiles(t, map[string]string{"blank.txt": "  \n\n  "})
	catalog := &recordingCatalog{}
	p := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32), WithCatalog(catalog, "hr"))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, StatusEmpty, report.Files[0].Status)
	assert.Equal(t, []string{"hr/blank.txt"}, catalog.removed)
}

func TestIngestPDF(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"leave-policy.pdf": string(onePagePDF("Employees get 20 days of paid leave per year.")),
	})
	catalog := &recordingCatalog{}
	p := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32), WithCatalog(catalog, "hr"))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	res := report.Files[0]
	assert.Equal(t, "leave-policy.pdf", res.Source)
	assert.Equal(t, FormatPDF, res.Format)
	assert.Equal(t, StatusIngested, res.Status)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, "Employees get 20 days of paid leave per year.", catalog.records["hr/leave-policy.pdf"].Title)
}

func TestEmbeddingBatches(t *testing.T) {
	text := strings.Repeat("word ", 200)
	dir := writeFiles(t, map[string]string{"long.txt": text})
	emb := &countingEmbedder{inner: embeddings.NewHashEmbedder(16)}
	p := NewPipeline(newIndex(t), emb,
		WithBatchSize(3),
		WithChunker(chunker.New(chunker.WithChunkSize(50), chunker.WithOverlap(0))))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	require.Equal(t, StatusIngested, report.Files[0].Status)

	for _, call := range emb.calls {
		assert.LessOrEqual(t, len(call), 3)
	}
	assert.Equal(t, report.Chunks(), emb.texts())
}

func TestCatalogAndObserver(t *testing.T) {
	dir := writeFiles(t, map[string]string{"leave.md": leavePolicy, "travel.txt": travelPolicy})
	catalog := &recordingCatalog{}
	observer := &recordingObserver{}
	p := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32),
		WithCatalog(catalog, "hr"),
		WithObserver(observer),
		WithWorkers(4))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, observer.total)
	assert.Len(t, observer.files, 2)

	leave := catalog.records["hr/leave.md"]
	assert.Equal(t, "Leave Policy", leave.Title)
	assert.Equal(t, string(FormatMarkdown), leave.Format)
	assert.Equal(t, report.Files[0].Chunks, leave.ChunkCount)
	assert.Equal(t, "Travel Policy", catalog.records["hr/travel.txt"].Title)
}

func TestCustomExcludeAndLoader(t *testing.T) {
	dir := writeFiles(t, map[string]string{"draft-leave.md": leavePolicy, "travel.txt": travelPolicy})
	upper := LoaderFunc(func(_ context.Context, data []byte) (string, error) {
		return strings.ToUpper(string(data)), nil
	})
	idx := newIndex(t)
	p := NewPipeline(idx, embeddings.NewHashEmbedder(32),
		WithExclude("draft-*"),
		WithLoader(FormatText, upper))

	report, err := p.Ingest(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]Status{"travel.txt": StatusIngested}, statuses(report))

	hits, err := idx.Search(context.Background(), make32(t, "economy"), 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Chunk.Text, "ECONOMY CLASS")
}

func TestIngestCancelled(t *testing.T) {
	dir := writeFiles(t, map[string]string{"leave.md": leavePolicy})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := NewPipeline(newIndex(t), embeddings.NewHashEmbedder(32)).Ingest(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
}

func make32(t *testing.T, text string) []float32 {
	t.Helper()
	vecs, err := embeddings.NewHashEmbedder(32).Embed(context.Background(), []string{text})
	require.NoError(t, err)
	return vecs[0]
}
