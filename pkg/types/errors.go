package types

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure independent of its source type.
// Retry policy and surfacing are decided from the kind alone.
type Kind string

const (
	KindFileNotFound          Kind = "file_not_found"
	KindFileUnsupportedType   Kind = "file_unsupported_type"
	KindFileTooLarge          Kind = "file_too_large"
	KindExtractionEncoding    Kind = "extraction_encoding"
	KindExtractionUnavailable Kind = "extraction_unavailable"
	KindDetectorUnavailable   Kind = "detector_unavailable"
	KindAnonymizerUnavailable Kind = "anonymizer_unavailable"
	KindPolicyInvalid         Kind = "policy_invalid"
	KindQueueFull             Kind = "queue_full"
	KindTimeout               Kind = "timeout"
	KindStalled               Kind = "stalled"
	KindCancelled             Kind = "cancelled"
	KindInternal              Kind = "internal"
)

// Retriable reports whether failures of this kind may be re-attempted by the
// queue substrate. Transient service outages retry with backoff; everything
// else fails the job on first occurrence.
func (k Kind) Retriable() bool {
	switch k {
	case KindExtractionUnavailable, KindDetectorUnavailable, KindAnonymizerUnavailable:
		return true
	}
	return false
}

// PipelineError is a failure tagged with its kind and the operation that
// raised it.
type PipelineError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// E builds a PipelineError.
func E(kind Kind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a PipelineError from a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *PipelineError {
	return &PipelineError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the failure kind from err, walking the wrap chain.
// Errors without a PipelineError in the chain classify as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// ErrQueueFull is returned by enqueue when a queue is at capacity.
// The caller retries later; the API surfaces it as 503.
var ErrQueueFull = E(KindQueueFull, "queue.enqueue", errors.New("queue at capacity"))
