// Package chat answers employee questions: it owns the lazily built
// retrieval and synthesis backend, the request timeout and the answer cache.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/policy"
)

// DefaultRequestTimeout bounds one Ask call.
const DefaultRequestTimeout = 60 * time.Second

// ErrEmptyQuestion is returned for blank questions.
var ErrEmptyQuestion = errors.New("question cannot be empty")

var tracer = otel.Tracer("github.com/fabfab/policy-agent/chat")

type Retriever interface {
	Retrieve(ctx context.Context, question string, k int) (policy.Retrieval, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, question string, r policy.Retrieval) (policy.Answer, error)
}

// Backend is everything needed to answer a question.
type Backend struct {
	Retriever   Retriever
	Synthesizer Synthesizer
	// Close releases the index and other connections. May be nil.
	Close func() error
}

// Factory builds the backend. It is called lazily, at most once
// successfully.
type Factory func(ctx context.Context) (*Backend, error)

// Asker is the question-answering surface used by the HTTP API and the UI.
type Asker interface {
	Ask(ctx context.Context, question string) (policy.Answer, error)
}

type Service struct {
	factory Factory
	topK    int
	timeout time.Duration
	cache   Cache
	logger  *zap.Logger

	// sem is a one-slot lock over backend that waiters can abandon when
	// their context ends.
	sem     chan struct{}
	backend *Backend
}

type Option func(*Service)

// WithTopK sets k for every retrieval. Zero keeps the retriever default.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(factory Factory, opts ...Option) *Service {
	s := &Service{
		factory: factory,
		timeout: DefaultRequestTimeout,
		logger:  zap.NewNop(),
		sem:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ask answers question from the indexed policy documents.
//
// Errors: ErrEmptyQuestion for blank input, *policy.ConfigurationError when
// the backend cannot be built, *policy.RetrievalError when the index cannot
// be searched, and *policy.SynthesisError when the model fails or the
// request deadline expires.
func (s *Service) Ask(ctx context.Context, question string) (policy.Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return policy.Answer{}, ErrEmptyQuestion
	}

	ctx, span := tracer.Start(ctx, "chat.Ask",
		trace.WithAttributes(attribute.Int("chat.question_chars", len(question))))
	defer span.End()

	if s.cache != nil {
		if answer, ok := s.cache.Get(ctx, question); ok {
			span.SetAttributes(attribute.Bool("chat.cache_hit", true))
			s.logger.Debug("answer served from cache", zap.String("question", question))
			return answer, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	answer, err := s.ask(ctx, question)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("ask failed", zap.String("question", question), zap.Error(err))
		return policy.Answer{}, err
	}

	s.logger.Info("question answered",
		zap.Int("sources", len(answer.Sources)),
		zap.Duration("took", time.Since(started)))

	if s.cache != nil {
		s.cache.Set(context.WithoutCancel(ctx), question, answer)
	}
	return answer, nil
}

func (s *Service) ask(ctx context.Context, question string) (policy.Answer, error) {
	backend, err := s.ensureBackend(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return policy.Answer{}, deadlineError(s.timeout)
		}
		return policy.Answer{}, err
	}

	retrieval, err := backend.Retriever.Retrieve(ctx, question, s.topK)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return policy.Answer{}, deadlineError(s.timeout)
		}
		return policy.Answer{}, err
	}

	answer, err := backend.Synthesizer.Synthesize(ctx, question, retrieval)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !policy.IsSynthesis(err) {
			return policy.Answer{}, deadlineError(s.timeout)
		}
		return policy.Answer{}, err
	}
	return answer, nil
}

// Warm builds the backend now instead of on the first question.
func (s *Service) Warm(ctx context.Context) error {
	_, err := s.ensureBackend(ctx)
	return err
}

// Close releases the backend. The service can be used again afterwards and
// will rebuild it.
func (s *Service) Close() error {
	s.sem <- struct{}{}
	defer func() { <-s.sem }()

	if s.backend == nil {
		return nil
	}
	backend := s.backend
	s.backend = nil
	if backend.Close != nil {
		return backend.Close()
	}
	return nil
}

// ensureBackend builds the backend under the lock, so concurrent first
// calls wait for a single construction. A caller whose context ends while
// waiting gives up with the context error. A failed build is not remembered.
func (s *Service) ensureBackend(ctx context.Context) (*Backend, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.sem }()

	if s.backend != nil {
		return s.backend, nil
	}
	if s.factory == nil {
		return nil, &policy.ConfigurationError{Op: "initialize backend", Err: errors.New("no backend factory configured")}
	}

	backend, err := s.factory(ctx)
	if err != nil {
		if !policy.IsConfiguration(err) {
			err = &policy.ConfigurationError{Op: "initialize backend", Err: err}
		}
		return nil, err
	}
	if backend == nil || backend.Retriever == nil || backend.Synthesizer == nil {
		return nil, &policy.ConfigurationError{Op: "initialize backend", Err: errors.New("factory returned an incomplete backend")}
	}

	s.logger.Info("query backend ready")
	s.backend = backend
	return backend, nil
}

func deadlineError(timeout time.Duration) error {
	return &policy.SynthesisError{
		Op:  "answer question",
		Err: fmt.Errorf("no answer within %s: %w", timeout, context.DeadlineExceeded),
	}
}

var _ Asker = (*Service)(nil)
