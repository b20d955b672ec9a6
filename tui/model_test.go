package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/policy-agent/policy"
)

type stubAsker struct {
	answers map[string]policy.Answer
	err     error
	asked   []string
}

func (s *stubAsker) Ask(ctx context.Context, question string) (policy.Answer, error) {
	s.asked = append(s.asked, question)
	if s.err != nil {
		return policy.Answer{}, s.err
	}
	return s.answers[question], nil
}

func typeText(m Model, text string) Model {
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return next.(Model)
}

func submit(t *testing.T, m Model) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return next.(Model), cmd
}

func sized(m Model) Model {
	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return next.(Model)
}

func TestAskAppendsTurn(t *testing.T) {
	asker := &stubAsker{answers: map[string]policy.Answer{
		"How many leave days?": {Answer: "20 days.", Sources: []string{"leave.md"}},
	}}
	m := sized(New(context.Background(), asker, "Policy Assistant"))

	m = typeText(m, "How many leave days?")
	m, cmd := submit(t, m)
	require.NotNil(t, cmd)
	assert.True(t, m.Busy())
	assert.Empty(t, m.input.Value())

	next, _ := m.Update(cmd())
	m = next.(Model)

	assert.False(t, m.Busy())
	turns := m.Transcript()
	require.Len(t, turns, 1)
	assert.Equal(t, "How many leave days?", turns[0].Question)
	assert.Equal(t, []string{"leave.md"}, turns[0].Answer.Sources)
	assert.Contains(t, m.View(), "20 days.")
	assert.Contains(t, m.View(), "leave.md")
}

func TestBlankInputIsIgnored(t *testing.T) {
	asker := &stubAsker{}
	m := sized(New(context.Background(), asker, "t"))

	m = typeText(m, "   ")
	_, cmd := submit(t, m)
	assert.Nil(t, cmd)
	assert.Empty(t, asker.asked)
}

func TestSecondQuestionWaitsForFirst(t *testing.T) {
	asker := &stubAsker{answers: map[string]policy.Answer{}}
	m := sized(New(context.Background(), asker, "t"))

	m = typeText(m, "first")
	m, cmd := submit(t, m)
	require.NotNil(t, cmd)

	m = typeText(m, "second")
	_, again := submit(t, m)
	assert.Nil(t, again)
}

func TestErrorIsShownAndRecorded(t *testing.T) {
	asker := &stubAsker{err: &policy.ConfigurationError{Op: "open index", Err: errors.New("run ingest first")}}
	m := sized(New(context.Background(), asker, "t"))

	m = typeText(m, "anything")
	m, cmd := submit(t, m)
	next, _ := m.Update(cmd())
	m = next.(Model)

	turns := m.Transcript()
	require.Len(t, turns, 1)
	assert.True(t, policy.IsConfiguration(turns[0].Err))
	assert.Contains(t, m.status, "run ingest first")
}

func TestQuitKeys(t *testing.T) {
	m := New(context.Background(), &stubAsker{}, "t")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestRenderTurnWithoutSources(t *testing.T) {
	out := RenderTurn(Turn{Question: "pets?", Answer: policy.Answer{Answer: "The policy document does not specify this.", Sources: []string{}}})
	assert.Contains(t, out, "does not specify")
	assert.NotContains(t, out, "Sources:")
}
