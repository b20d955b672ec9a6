// Package retrieval finds the chunks most relevant to a question.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/embeddings"
	"github.com/fabfab/policy-agent/policy"
	"github.com/fabfab/policy-agent/vectorstore"
)

// DefaultTopK is the number of chunks returned when the caller passes k <= 0.
const DefaultTopK = 3

// previewRunes bounds the chunk text written to debug logs.
const previewRunes = 800

var tracer = otel.Tracer("github.com/fabfab/policy-agent/retrieval")

// Searcher is the read side of the embedding index.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]policy.ScoredChunk, error)
	Dimension(ctx context.Context) (int, error)
}

// Event describes one completed retrieval.
type Event struct {
	Question string
	K        int
	Results  []policy.ScoredChunk
	Duration time.Duration
}

// Hook observes retrievals. It must not modify the results.
type Hook func(ctx context.Context, ev Event)

type Retriever struct {
	embedder embeddings.Embedder
	index    Searcher
	topK     int
	logger   *zap.Logger
	hook     Hook
}

type Option func(*Retriever)

func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHook replaces the default debug-logging hook.
func WithHook(h Hook) Option {
	return func(r *Retriever) {
		r.hook = h
	}
}

func New(embedder embeddings.Embedder, index Searcher, opts ...Option) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	if index == nil {
		return nil, errors.New("retrieval: index must not be nil")
	}

	r := &Retriever{
		embedder: embedder,
		index:    index,
		topK:     DefaultTopK,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hook == nil {
		r.hook = LogHook(r.logger)
	}
	return r, nil
}

// TopK returns the default result count.
func (r *Retriever) TopK() int {
	return r.topK
}

// Retrieve embeds question and returns up to k chunks by descending
// similarity. k <= 0 uses the configured default. An empty index yields an
// empty, non-nil result. Failures are returned as *policy.RetrievalError.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int) (policy.Retrieval, error) {
	if k <= 0 {
		k = r.topK
	}

	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("retrieval.k", k))

	started := time.Now()
	results, err := r.retrieve(ctx, question, k)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return policy.Retrieval{}, err
	}
	span.SetAttributes(attribute.Int("retrieval.results", len(results)))

	out := policy.Retrieval{Question: question, Results: results}
	r.hook(ctx, Event{Question: question, K: k, Results: results, Duration: time.Since(started)})
	return out, nil
}

func (r *Retriever) retrieve(ctx context.Context, question string, k int) ([]policy.ScoredChunk, error) {
	vectors, err := r.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, &policy.RetrievalError{Op: "embed question", Err: err}
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, &policy.RetrievalError{Op: "embed question", Err: fmt.Errorf("embedder returned %d vectors for 1 input", len(vectors))}
	}
	query := vectors[0]

	dim, err := r.index.Dimension(ctx)
	if err != nil {
		return nil, &policy.RetrievalError{Op: "read index dimension", Err: err}
	}
	if dim > 0 && len(query) != dim {
		return nil, &policy.RetrievalError{
			Op:  "check dimension",
			Err: fmt.Errorf("%w: question embedding has %d values, index stores %d", vectorstore.ErrDimensionMismatch, len(query), dim),
		}
	}

	results, err := r.index.Search(ctx, query, k)
	if err != nil {
		return nil, &policy.RetrievalError{Op: "search index", Err: err}
	}
	if results == nil {
		results = []policy.ScoredChunk{}
	}
	return results, nil
}

// LogHook logs every retrieved chunk at debug level with a preview of its
// text.
func LogHook(logger *zap.Logger) Hook {
	return func(_ context.Context, ev Event) {
		if !logger.Core().Enabled(zap.DebugLevel) {
			return
		}
		logger.Debug("retrieved chunks",
			zap.String("question", ev.Question),
			zap.Int("k", ev.K),
			zap.Int("results", len(ev.Results)),
			zap.Duration("took", ev.Duration))
		for i, res := range ev.Results {
			logger.Debug("retrieved chunk",
				zap.Int("rank", i+1),
				zap.String("source", res.Chunk.Source),
				zap.Int("position", res.Chunk.Position),
				zap.Float64("score", res.Score),
				zap.String("preview", Preview(res.Chunk.Text, previewRunes)))
		}
	}
}

// Preview returns at most n runes of text.
func Preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
