// Package policy defines the documents, chunks and answers that flow through
// the ingestion and question-answering pipeline.
package policy

// Document is a raw policy document identified by its file name.
type Document struct {
	Source string
	Text   string
}

// Chunk is a contiguous slice of a document's text. Start and End are rune
// offsets into the document, so Text == string([]rune(doc.Text)[Start:End]).
type Chunk struct {
	ID       string
	Source   string
	Position int
	Text     string
	Start    int
	End      int
}

// Len reports the chunk length in runes.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// Entry is a chunk together with its embedding, as persisted in the index.
type Entry struct {
	Chunk     Chunk
	Embedding []float32
}

// ScoredChunk is a search hit.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// Retrieval is the ordered top-K result for a question.
type Retrieval struct {
	Question string
	Results  []ScoredChunk
}

// Empty reports whether nothing was retrieved.
func (r Retrieval) Empty() bool {
	return len(r.Results) == 0
}

// Sources returns the source of every retrieved chunk in result order,
// duplicates included.
func (r Retrieval) Sources() []string {
	sources := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		sources = append(sources, res.Chunk.Source)
	}
	return sources
}

// Answer is the response returned to the employee.
type Answer struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// GroundedIn reports whether every cited source appears, in order, among the
// sources of the retrieval the answer was built from.
func (a Answer) GroundedIn(r Retrieval) bool {
	available := r.Sources()
	i := 0
	for _, src := range a.Sources {
		for i < len(available) && available[i] != src {
			i++
		}
		if i == len(available) {
			return false
		}
		i++
	}
	return true
}
