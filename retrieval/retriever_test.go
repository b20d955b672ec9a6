package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabfab/policy-agent/database"
	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

type stubEmbedder struct {
	vectors [][]float32
	err     error
}

func (s *stubEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.vectors, nil
}

type stubIndex struct {
	dim     int
	results []policy.ScoredChunk
	err     error
	gotK    int
}

func (s *stubIndex) Search(ctx context.Context, query []float32, k int) ([]policy.ScoredChunk, error) {
	s.gotK = k
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) > k {
		return s.results[:k], nil
	}
	return s.results, nil
}

func (s *stubIndex) Dimension(ctx context.Context) (int, error) {
	return s.dim, nil
}

func scored(source string, score float64) policy.ScoredChunk {
	return policy.ScoredChunk{Chunk: policy.Chunk{Source: source, Text: source + " text"}, Score: score}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &stubIndex{})
	assert.Error(t, err)
	_, err = New(&stubEmbedder{}, nil)
	assert.Error(t, err)
}

func TestRetrieveDefaultK(t *testing.T) {
	idx := &stubIndex{dim: 2, results: []policy.ScoredChunk{scored("a", .9), scored("b", .8), scored("c", .7), scored("d", .6)}}
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, idx)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), "leave?", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopK, idx.gotK)
	assert.Equal(t, []string{"a", "b", "c"}, got.Sources())
	assert.Equal(t, "leave?", got.Question)

	r, err = New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, idx, WithTopK(2))
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "leave?", -1)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.gotK)
}

func TestRetrieveReturnsIndexOrderUnchanged(t *testing.T) {
	idx := &stubIndex{dim: 2, results: []policy.ScoredChunk{scored("x", .2), scored("y", .9)}}
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, idx)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, got.Sources())
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, &stubIndex{})
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), "q", 3)
	require.NoError(t, err)
	assert.True(t, got.Empty())
	assert.NotNil(t, got.Results)
}

func TestRetrieveErrors(t *testing.T) {
	tests := []struct {
		name     string
		embedder *stubEmbedder
		index    *stubIndex
		wantOp   string
	}{
		{name: "embedder fails", embedder: &stubEmbedder{err: errors.New("ollama down")}, index: &stubIndex{}, wantOp: "embed question"},
		{name: "no vector", embedder: &stubEmbedder{}, index: &stubIndex{}, wantOp: "embed question"},
		{name: "dimension mismatch", embedder: &stubEmbedder{vectors: [][]float32{{1, 0, 0}}}, index: &stubIndex{dim: 2}, wantOp: "check dimension"},
		{name: "search fails", embedder: &stubEmbedder{vectors: [][]float32{{1, 0}}}, index: &stubIndex{dim: 2, err: errors.New("disk I/O error")}, wantOp: "search index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.embedder, tt.index)
			require.NoError(t, err)

			_, err = r.Retrieve(context.Background(), "q", 3)
			require.Error(t, err)
			var retrievalErr *policy.RetrievalError
			require.True(t, errors.As(err, &retrievalErr))
			assert.Equal(t, tt.wantOp, retrievalErr.Op)
		})
	}
}

func TestRetrieveDimensionMismatchWraps(t *testing.T) {
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0, 0}}}, &stubIndex{dim: 2})
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "q", 1)
	assert.ErrorIs(t, err, vectorstore.ErrDimensionMismatch)
}

func TestHookReceivesEvent(t *testing.T) {
	var got Event
	idx := &stubIndex{dim: 2, results: []policy.ScoredChunk{scored("a", .9)}}
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, idx, WithHook(func(_ context.Context, ev Event) {
		got = ev
	}))
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "q", 4)
	require.NoError(t, err)
	assert.Equal(t, "q", got.Question)
	assert.Equal(t, 4, got.K)
	assert.Len(t, got.Results, 1)
}

func TestLogHookPreviews(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	long := strings.Repeat("é", 1000)
	idx := &stubIndex{dim: 2, results: []policy.ScoredChunk{{Chunk: policy.Chunk{Source: "leave.md", Text: long}, Score: .5}}}
	r, err := New(&stubEmbedder{vectors: [][]float32{{1, 0}}}, idx, WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), "q", 1)
	require.NoError(t, err)

	entries := logs.FilterMessage("retrieved chunk").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "leave.md", fields["source"])
	assert.Equal(t, 800, len([]rune(fields["preview"].(string))))
}

func TestRetrieveAgainstSQLiteIndex(t *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), vectorstore.IndexFile), true)
	require.NoError(t, err)
	idx := vectorstore.NewSQLiteIndex(db, "hr")
	defer idx.Close()

	emb := embeddings.NewHashEmbedder(64)
	ctx := context.Background()
	texts := []string{
		"Employees receive 20 days of annual leave.",
		"Expense claims are reimbursed monthly.",
		"Remote work requires manager approval.",
	}
	vecs, err := emb.Embed(ctx, texts)
	require.NoError(t, err)
	for i, text := range texts {
		source := []string{"leave.md", "expenses.md", "remote.md"}[i]
		require.NoError(t, idx.ReplaceSource(ctx, source, "f", []policy.Entry{{
			Chunk:     policy.Chunk{Source: source, Text: text, End: len([]rune(text))},
			Embedding: vecs[i],
		}}))
	}

	r, err := New(emb, idx)
	require.NoError(t, err)

	got, err := r.Retrieve(ctx, "how many days of annual leave", 10)
	require.NoError(t, err)
	require.Len(t, got.Results, 3)
	assert.Equal(t, "leave.md", got.Results[0].Chunk.Source)
	for i := 1; i < len(got.Results); i++ {
		assert.GreaterOrEqual(t, got.Results[i-1].Score, got.Results[i].Score)
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", Preview("abc", 5))
	assert.Equal(t, "ab", Preview("abc", 2))
}
