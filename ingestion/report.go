package ingestion

import (
	"fmt"
	"time"
)

type Status string

const (
	// StatusIngested means the document was chunked, embedded and stored.
	StatusIngested Status = "ingested"
	// StatusUnchanged means the stored fingerprint matched and nothing was
	// written.
	StatusUnchanged Status = "unchanged"
	// StatusEmpty means the document had no text; any previous entries were
	// removed.
	StatusEmpty  Status = "empty"
	StatusFailed Status = "failed"
)

// FileResult is the outcome for one document. Err is a
// *policy.IngestionItemError when Status is StatusFailed.
type FileResult struct {
	Source   string
	Format   DocumentFormat
	Status   Status
	Chunks   int
	Err      error
	Duration time.Duration
}

// Report summarizes an ingestion run. Files are sorted by source.
type Report struct {
	Dir   string
	Files []FileResult
}

func (r *Report) Count(status Status) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

// Chunks returns the number of chunks written during the run.
func (r *Report) Chunks() int {
	n := 0
	for _, f := range r.Files {
		if f.Status == StatusIngested {
			n += f.Chunks
		}
	}
	return n
}

func (r *Report) Failures() []FileResult {
	failures := make([]FileResult, 0)
	for _, f := range r.Files {
		if f.Status == StatusFailed {
			failures = append(failures, f)
		}
	}
	return failures
}

func (r *Report) Summary() string {
	return fmt.Sprintf("%d files: %d ingested (%d chunks), %d unchanged, %d empty, %d failed",
		len(r.Files), r.Count(StatusIngested), r.Chunks(), r.Count(StatusUnchanged),
		r.Count(StatusEmpty), r.Count(StatusFailed))
}
