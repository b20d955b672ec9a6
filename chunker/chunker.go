// Package chunker splits policy documents into overlapping, size-bounded
// chunks, preferring to cut at paragraph, line, sentence or word boundaries.
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fabfab/policy-agent/policy"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// separators are tried in order; a cut is placed right after the separator.
var separators = [][]rune{
	[]rune("\n\n"),
	[]rune("\n"),
	[]rune(". "),
	[]rune("! "),
	[]rune("? "),
	[]rune(" "),
}

// Config is the chunking configuration.
type Config struct {
	Size    int
	Overlap int
}

func (c Config) String() string {
	return fmt.Sprintf("size=%d overlap=%d", c.Size, c.Overlap)
}

// Validate checks size > overlap >= 0.
func (c Config) Validate() error {
	if c.Overlap < 0 {
		return errors.New("chunk overlap must not be negative")
	}
	if c.Size <= c.Overlap {
		return fmt.Errorf("chunk size %d must be greater than overlap %d", c.Size, c.Overlap)
	}
	return nil
}

// Chunker splits documents into chunks. It holds no mutable state and is safe
// for concurrent use.
type Chunker struct {
	size    int
	overlap int
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

// WithOverlap sets the overlap between consecutive chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a chunker. An overlap that is not smaller than the chunk size is
// reduced to a quarter of the size.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		size:    DefaultChunkSize,
		overlap: DefaultChunkOverlap,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.size {
		c.overlap = c.size / 4
	}
	return c
}

// NewWithConfig creates a chunker from an explicit configuration, rejecting
// invalid combinations instead of adjusting them.
func NewWithConfig(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{size: cfg.Size, overlap: cfg.Overlap}, nil
}

// Config returns the effective configuration.
func (c *Chunker) Config() Config {
	return Config{Size: c.size, Overlap: c.overlap}
}

// Chunk splits the document. The chunks cover the whole text without gaps,
// consecutive chunks share up to overlap characters, and no chunk is longer
// than the configured size. Whitespace-only documents produce no chunks.
func (c *Chunker) Chunk(doc policy.Document) []policy.Chunk {
	if strings.TrimSpace(doc.Text) == "" {
		return nil
	}

	runes := []rune(doc.Text)
	total := len(runes)
	chunks := make([]policy.Chunk, 0, total/(c.size-c.overlap)+1)

	start := 0
	for position := 0; ; position++ {
		end := start + c.size
		if end >= total {
			end = total
		} else {
			end = c.breakPoint(runes, start, end)
		}

		chunks = append(chunks, policy.Chunk{
			Source:   doc.Source,
			Position: position,
			Text:     string(runes[start:end]),
			Start:    start,
			End:      end,
		})

		if end == total {
			break
		}
		start = end - c.overlap
	}

	return chunks
}

// breakPoint moves a window end back to the closest preferred boundary in the
// back half of the window. The result always leaves the next window start
// (end - overlap) strictly after start.
func (c *Chunker) breakPoint(runes []rune, start, end int) int {
	lo := max(start+c.size/2, start+c.overlap+1)

	for _, sep := range separators {
		for p := end; p >= lo; p-- {
			if hasSuffixAt(runes, p, sep) {
				return p
			}
		}
	}
	return end
}

func hasSuffixAt(runes []rune, p int, sep []rune) bool {
	if p < len(sep) {
		return false
	}
	for i := range sep {
		if runes[p-len(sep)+i] != sep[i] {
			return false
		}
	}
	return true
}
