package synthesis

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fabfab/policy-agent/llm"
	"github.com/fabfab/policy-agent/policy"
)

// DefaultTemperature keeps answers close to the policy wording.
const DefaultTemperature = 0.2

var tracer = otel.Tracer("github.com/fabfab/policy-agent/synthesis")

type Synthesizer struct {
	client       llm.Client
	temperature  float64
	instructions []string
	logger       *zap.Logger
}

type Option func(*Synthesizer)

func WithTemperature(t float64) Option {
	return func(s *Synthesizer) {
		if t >= 0 {
			s.temperature = t
		}
	}
}

func WithInstructions(lines ...string) Option {
	return func(s *Synthesizer) {
		if len(lines) > 0 {
			s.instructions = append([]string(nil), lines...)
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(client llm.Client, opts ...Option) (*Synthesizer, error) {
	if client == nil {
		return nil, errors.New("synthesis: llm client must not be nil")
	}
	s := &Synthesizer{
		client:       client,
		temperature:  DefaultTemperature,
		instructions: DefaultInstructions,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Synthesize answers question from the retrieval's results only. An empty
// retrieval is answered with NoInformationAnswer without calling the model.
// The model output is returned verbatim and the sources are the retrieval's
// sources in rank order. Model failures and blank completions are
// *policy.SynthesisError.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, r policy.Retrieval) (policy.Answer, error) {
	if r.Empty() {
		s.logger.Debug("no context retrieved, declining", zap.String("question", question))
		return policy.Answer{Answer: NoInformationAnswer, Sources: []string{}}, nil
	}

	ctx, span := tracer.Start(ctx, "synthesis.Synthesize")
	defer span.End()

	prompt := NewPrompt(s.instructions, question, r).String()
	span.SetAttributes(
		attribute.Int("synthesis.context_blocks", len(r.Results)),
		attribute.Int("synthesis.prompt_chars", len(prompt)),
	)

	out, err := s.client.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: llm.Temperature(s.temperature),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return policy.Answer{}, &policy.SynthesisError{Op: "generate answer", Err: err}
	}

	if strings.TrimSpace(out) == "" {
		err := errors.New("model returned an empty answer")
		span.SetStatus(codes.Error, err.Error())
		return policy.Answer{}, &policy.SynthesisError{Op: "generate answer", Err: err}
	}

	return policy.Answer{Answer: out, Sources: r.Sources()}, nil
}
