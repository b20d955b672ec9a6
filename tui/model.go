// Package tui is the interactive terminal chat over the query service.
package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fabfab/policy-agent/chat"
	"github.com/fabfab/policy-agent/policy"
)

// Turn is one question and its outcome. The transcript lives only for the
// session.
type Turn struct {
	Question string
	Answer   policy.Answer
	Err      error
}

type answerMsg struct {
	question string
	answer   policy.Answer
	err      error
}

// Model is the Bubble Tea model for the chat UI.
type Model struct {
	ctx      context.Context
	asker    chat.Asker
	title    string
	input    textinput.Model
	viewport viewport.Model
	turns    []Turn
	pending  string
	status   string
	ready    bool
}

func New(ctx context.Context, asker chat.Asker, title string) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about a company policy and press Enter"
	ti.Focus()
	ti.CharLimit = 0
	return Model{
		ctx:      ctx,
		asker:    asker,
		title:    title,
		input:    ti,
		viewport: viewport.New(0, 0),
		status:   "Ready. Ctrl+C to quit.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

// Transcript returns the completed turns in order.
func (m Model) Transcript() []Turn {
	return append([]Turn(nil), m.turns...)
}

// Busy reports whether a question is waiting for its answer.
func (m Model) Busy() bool {
	return m.pending != ""
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptStyle.GetFrameSize()
		_, ih := inputStyle.GetFrameSize()
		reserved := 1 + 1 + ih + 1 // title, status, input box, spacer
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil
	case answerMsg:
		m.turns = append(m.turns, Turn{Question: msg.question, Answer: msg.answer, Err: msg.err})
		m.pending = ""
		if msg.err != nil {
			m.status = "Error: " + msg.err.Error()
		} else {
			m.status = "Ready."
		}
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.Busy() {
				return m, nil
			}
			m.input.Reset()
			m.pending = q
			m.status = "Thinking..."
			m.refresh()
			return m, m.ask(q)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) ask(question string) tea.Cmd {
	ctx, asker := m.ctx, m.asker
	return func() tea.Msg {
		answer, err := asker.Ask(ctx, question)
		return answerMsg{question: question, answer: answer, err: err}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := titleStyle.Render(m.title)
	body := transcriptStyle.Render(m.viewport.View())
	input := inputStyle.Render(m.input.View())
	status := statusStyle.Render(m.status)
	return header + "\n" + body + "\n" + input + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	if len(m.turns) == 0 && m.pending == "" {
		return hintStyle.Render("No questions yet.")
	}

	var b strings.Builder
	for i, turn := range m.turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(RenderTurn(turn))
	}
	if m.pending != "" {
		if len(m.turns) > 0 {
			b.WriteString("\n")
		}
		b.WriteString(questionStyle.Render("You: " + m.pending))
		b.WriteString("\n")
		b.WriteString(hintStyle.Render("..."))
		b.WriteString("\n")
	}
	return b.String()
}

// RenderTurn formats one turn with its sources.
func RenderTurn(turn Turn) string {
	var b strings.Builder
	b.WriteString(questionStyle.Render("You: " + turn.Question))
	b.WriteString("\n")
	if turn.Err != nil {
		b.WriteString(errorStyle.Render("Error: " + turn.Err.Error()))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(turn.Answer.Answer)
	b.WriteString("\n")
	if len(turn.Answer.Sources) > 0 {
		b.WriteString(hintStyle.Render(fmt.Sprintf("Sources: %s", strings.Join(turn.Answer.Sources, ", "))))
		b.WriteString("\n")
	}
	return b.String()
}

var (
	titleStyle      = lipgloss.NewStyle().Bold(true)
	transcriptStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	questionStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	hintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)
