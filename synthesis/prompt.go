// Package synthesis turns retrieved policy excerpts into a grounded answer.
package synthesis

import (
	"strings"

	"github.com/fabfab/policy-agent/policy"
)

// NoInformationAnswer is returned when the policy documents do not cover the
// question.
const NoInformationAnswer = "The policy document does not specify this."

// DefaultInstructions constrain the model to a single policy and to the
// retrieved text.
var DefaultInstructions = []string{
	"Read the entire context carefully.",
	"Identify which SINGLE policy document is most relevant to the question.",
	"Answer ONLY from that policy.",
	"Do NOT mix or merge rules from different policies.",
	"If multiple policies are present and the answer is unclear, state which policy you are using.",
	"Rephrase policies in clear, employee-friendly language.",
	"Do NOT invent rules.",
	`If the policy does not specify the answer, say: "` + NoInformationAnswer + `"`,
}

const preamble = "You are an AI assistant answering employee questions using company policy documents."

// ContextBlock is one retrieved excerpt and the document it came from.
type ContextBlock struct {
	Source string
	Text   string
}

// Prompt is the structured input to the model. String renders it.
type Prompt struct {
	Instructions []string
	Context      []ContextBlock
	Question     string
}

// NewPrompt builds a prompt for question from a retrieval, one block per
// result in rank order.
func NewPrompt(instructions []string, question string, r policy.Retrieval) Prompt {
	blocks := make([]ContextBlock, 0, len(r.Results))
	for _, res := range r.Results {
		blocks = append(blocks, ContextBlock{Source: res.Chunk.Source, Text: res.Chunk.Text})
	}
	return Prompt{Instructions: instructions, Context: blocks, Question: question}
}

func (p Prompt) String() string {
	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nInstructions:\n")
	for _, line := range p.Instructions {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\nContext:\n")
	for i, block := range p.Context {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[Source: ")
		b.WriteString(block.Source)
		b.WriteString("]\n")
		b.WriteString(strings.TrimSpace(block.Text))
		b.WriteString("\n")
	}

	b.WriteString("\nQuestion:\n")
	b.WriteString(p.Question)
	b.WriteString("\n\nAnswer:\n")
	return b.String()
}
