package digest

import (
	"errors"
	"fmt"

	"github.com/basket/chatdigest/internal/engine"
)

var (
	// ErrNoProvider means no completion provider is configured. It is
	// reported once per conversation and never retried.
	ErrNoProvider = engine.ErrNoProvider

	// ErrEmptyWindow means a trigger found no pending messages.
	ErrEmptyWindow = errors.New("digest: nothing to summarize")

	// ErrInFlight means the conversation already has a running summary.
	ErrInFlight = errors.New("digest: summary already in flight")

	// ErrShuttingDown is returned for triggers that arrive after Close.
	ErrShuttingDown = errors.New("digest: shutting down")

	errEmptyCompletion = errors.New("provider returned no text")
)

// CompletionError is a failed completion call. Reason is the short text shown
// in the conversation.
type CompletionError struct {
	Reason string
	Err    error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion failed (%s): %v", e.Reason, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }
