package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/policy-agent/llm"
	"github.com/fabfab/policy-agent/policy"
)

type stubLLM struct {
	answer string
	err    error
	calls  int
	last   llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (string, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func retrievalOf(question string, sources ...string) policy.Retrieval {
	r := policy.Retrieval{Question: question}
	for i, src := range sources {
		r.Results = append(r.Results, policy.ScoredChunk{
			Chunk: policy.Chunk{Source: src, Text: "excerpt from " + src},
			Score: 1 - float64(i)/10,
		})
	}
	return r
}

func TestSynthesizeEmptyRetrievalDeclines(t *testing.T) {
	client := &stubLLM{answer: "should not be used"}
	s, err := New(client)
	require.NoError(t, err)

	answer, err := s.Synthesize(context.Background(), "What is the policy on pets?", policy.Retrieval{Question: "What is the policy on pets?"})
	require.NoError(t, err)
	assert.Equal(t, NoInformationAnswer, answer.Answer)
	assert.Empty(t, answer.Sources)
	assert.NotNil(t, answer.Sources)
	assert.Zero(t, client.calls)
}

func TestSynthesizeSourcesFollowRetrieval(t *testing.T) {
	client := &stubLLM{answer: "You get 20 days of annual leave."}
	s, err := New(client)
	require.NoError(t, err)

	r := retrievalOf("How many leave days?", "leave.md", "leave.md", "travel.md")
	answer, err := s.Synthesize(context.Background(), r.Question, r)
	require.NoError(t, err)

	assert.Equal(t, "You get 20 days of annual leave.", answer.Answer)
	assert.Equal(t, []string{"leave.md", "leave.md", "travel.md"}, answer.Sources)
	assert.True(t, answer.GroundedIn(r))
}

func TestSynthesizeSendsSingleUserMessage(t *testing.T) {
	client := &stubLLM{answer: "ok"}
	s, err := New(client)
	require.NoError(t, err)

	_, err = s.Synthesize(context.Background(), "Can I work remotely?", retrievalOf("Can I work remotely?", "remote.md"))
	require.NoError(t, err)

	require.Len(t, client.last.Messages, 1)
	msg := client.last.Messages[0]
	assert.Equal(t, llm.RoleUser, msg.Role)
	assert.Contains(t, msg.Content, "[Source: remote.md]")
	assert.Contains(t, msg.Content, "excerpt from remote.md")
	assert.Contains(t, msg.Content, "Can I work remotely?")
	assert.Contains(t, msg.Content, NoInformationAnswer)
	require.NotNil(t, client.last.Temperature)
	assert.InDelta(t, DefaultTemperature, *client.last.Temperature, 1e-9)
}

func TestSynthesizeOptions(t *testing.T) {
	client := &stubLLM{answer: "ok"}
	s, err := New(client, WithTemperature(0.7), WithInstructions("Answer in one word."))
	require.NoError(t, err)

	_, err = s.Synthesize(context.Background(), "q", retrievalOf("q", "a.md"))
	require.NoError(t, err)
	assert.InDelta(t, 0.7, *client.last.Temperature, 1e-9)
	assert.Contains(t, client.last.Messages[0].Content, "- Answer in one word.")
	assert.NotContains(t, client.last.Messages[0].Content, "Do NOT invent rules.")
}

func TestSynthesizeErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *stubLLM
	}{
		{name: "model fails", client: &stubLLM{err: errors.New("connection refused")}},
		{name: "empty output", client: &stubLLM{answer: "  \n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.client)
			require.NoError(t, err)

			_, err = s.Synthesize(context.Background(), "q", retrievalOf("q", "a.md"))
			require.Error(t, err)
			assert.True(t, policy.IsSynthesis(err))
		})
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestPromptString(t *testing.T) {
	p := Prompt{
		Instructions: []string{"Be brief."},
		Context: []ContextBlock{
			{Source: "leave.md", Text: "Employees receive 20 days.\n"},
			{Source: "travel.md", Text: "Economy only."},
		},
		Question: "How many days?",
	}
	out := p.String()

	assert.True(t, strings.HasPrefix(out, preamble))
	assert.Contains(t, out, "Instructions:\n- Be brief.\n")
	assert.Contains(t, out, "[Source: leave.md]\nEmployees receive 20 days.\n\n[Source: travel.md]\nEconomy only.\n")
	assert.True(t, strings.HasSuffix(out, "Question:\nHow many days?\n\nAnswer:\n"))
	assert.Less(t, strings.Index(out, "leave.md"), strings.Index(out, "travel.md"))
}

func TestSynthesizeKeepsQuestionAndAnswerVerbatim(t *testing.T) {
	raw := "  Employees receive **20 days**.\n\n- Carry-over: 5 days\n"
	client := &stubLLM{answer: raw}
	s, err := New(client)
	require.NoError(t, err)

	question := "  How many days,   exactly?\n"
	r := retrievalOf("a different question", "leave.md")
	answer, err := s.Synthesize(context.Background(), question, r)
	require.NoError(t, err)

	assert.Equal(t, raw, answer.Answer)
	content := client.last.Messages[0].Content
	assert.Contains(t, content, "Question:\n"+question+"\n\nAnswer:\n")
	assert.NotContains(t, content, "a different question")
}
