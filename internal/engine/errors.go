package engine

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned for queries against an engine that has not
// finished building, or whose build failed. Callers may retry later.
var ErrNotReady = errors.New("engine not ready")

// ErrUnknownDocument is returned when a query names a book key that is not
// in the library. This is a caller error, not retryable.
var ErrUnknownDocument = errors.New("unknown document")

// RetrievalError wraps a failure to embed the question or search the index
// on a ready engine. It is fatal to the request only; engine state is
// unchanged.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed: %s", e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError wraps a generation provider failure, pre-stream or
// mid-stream. Output already delivered to the caller is not retracted.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %s", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
