package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrEmbeddingFailure  = errors.New("embedding failure")
	ErrCompletionFailure = errors.New("completion failure")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrRetrievalFailure  = errors.New("retrieval failure")
	ErrTimeout           = errors.New("timeout")
	ErrDanglingReference = errors.New("dangling reference")
	ErrParseFailure      = errors.New("parse failure")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
)

// DanglingReferenceError is reported for a relationship whose endpoint could
// not be resolved to an entity id at apply time.
type DanglingReferenceError struct {
	Relationship Relationship
	Missing      string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("dangling reference: relationship %s -[%s]-> %s references unknown entity %q",
		e.Relationship.Source, e.Relationship.Type, e.Relationship.Target, e.Missing)
}

func (e *DanglingReferenceError) Is(target error) bool {
	return target == ErrDanglingReference
}

// RelationshipWriteError is reported for a relationship whose endpoints
// resolved but whose edge the graph store did not write.
type RelationshipWriteError struct {
	Relationship Relationship
	Err          error
}

func (e *RelationshipWriteError) Error() string {
	return fmt.Sprintf("failed to create relationship %s -[%s]-> %s: %v",
		e.Relationship.Source, e.Relationship.Type, e.Relationship.Target, e.Err)
}

func (e *RelationshipWriteError) Unwrap() error {
	return e.Err
}

// ChunkWriteError lists the chunk indices a store did not persist. Chunks not
// listed in Failed were written.
type ChunkWriteError struct {
	Store  string
	Stored int
	Failed []int
	Causes []error
}

func (e *ChunkWriteError) Error() string {
	failed := make([]string, len(e.Failed))
	for i, idx := range e.Failed {
		failed[i] = fmt.Sprint(idx)
	}
	msg := fmt.Sprintf("%s: stored %d chunks, failed indices [%s]", e.Store, e.Stored, strings.Join(failed, ","))
	if len(e.Causes) > 0 {
		msg += ": " + e.Causes[0].Error()
	}
	return msg
}

func (e *ChunkWriteError) Unwrap() []error {
	return e.Causes
}

// NewChunkWriteError sorts failures by index so reports are deterministic.
func NewChunkWriteError(store string, stored int, failures map[int]error) *ChunkWriteError {
	e := &ChunkWriteError{Store: store, Stored: stored}
	for idx := range failures {
		e.Failed = append(e.Failed, idx)
	}
	sort.Ints(e.Failed)
	for _, idx := range e.Failed {
		e.Causes = append(e.Causes, failures[idx])
	}
	return e
}

// RetrievalError is returned when every store failed a search.
type RetrievalError struct {
	Causes map[string]error
}

func (e *RetrievalError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Causes[name])
	}
	return "retrieval failure: " + strings.Join(parts, "; ")
}

func (e *RetrievalError) Is(target error) bool {
	return target == ErrRetrievalFailure
}

func (e *RetrievalError) Unwrap() []error {
	errs := make([]error, 0, len(e.Causes))
	for _, err := range e.Causes {
		errs = append(errs, err)
	}
	return errs
}

// Classify tags a deadline expiry with ErrTimeout and wraps anything else in
// the given failure class. Errors that already carry the class are returned
// untouched.
func Classify(err error, class error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	if class == nil || errors.Is(err, class) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}
