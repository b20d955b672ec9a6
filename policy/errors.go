package policy

import (
	"errors"
	"fmt"
)

// ConfigurationError reports a missing or unusable resource needed to run an
// operation: source directory, persisted index, model runtime. It is fatal
// for the operation and never retried.
type ConfigurationError struct {
	Op  string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Op, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IngestionItemError reports that a single document could not be ingested.
type IngestionItemError struct {
	Source string
	Stage  string
	Err    error
}

func (e *IngestionItemError) Error() string {
	return fmt.Sprintf("ingest %s: %s: %v", e.Source, e.Stage, e.Err)
}

func (e *IngestionItemError) Unwrap() error { return e.Err }

// RetrievalError reports that the index could not be searched.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval error: %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// SynthesisError reports that the language model call failed or timed out.
type SynthesisError struct {
	Op  string
	Err error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synthesis error: %s: %v", e.Op, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

func IsRetrieval(err error) bool {
	var target *RetrievalError
	return errors.As(err, &target)
}

func IsSynthesis(err error) bool {
	var target *SynthesisError
	return errors.As(err, &target)
}
