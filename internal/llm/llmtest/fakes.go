// Package llmtest provides deterministic embedders and completers for tests.
package llmtest

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/rag-explorer/backend/internal/storage/models"
)

// VocabEmbedder gives every distinct lower-cased word its own dimension, so
// texts sharing no words are orthogonal. Words beyond Dim wrap around.
type VocabEmbedder struct {
	Dim int
	// FailOn makes Embed fail for texts containing the substring.
	FailOn string
	Err    error

	mu    sync.Mutex
	vocab map[string]int
	calls int
}

func NewVocabEmbedder(dim int) *VocabEmbedder {
	return &VocabEmbedder{Dim: dim, vocab: make(map[string]int)}
}

func (e *VocabEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++

	if e.FailOn != "" && strings.Contains(text, e.FailOn) {
		err := e.Err
		if err == nil {
			err = models.ErrEmbeddingFailure
		}
		return nil, err
	}

	vec := make([]float32, e.Dim)
	for _, word := range Words(text) {
		idx, ok := e.vocab[word]
		if !ok {
			idx = len(e.vocab) % e.Dim
			e.vocab[word] = idx
		}
		vec[idx]++
	}
	return vec, nil
}

func (e *VocabEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Completer returns Reply (or Err) and records every transcript it saw.
type Completer struct {
	Reply string
	Err   error

	mu    sync.Mutex
	calls [][]models.Message
}

func (c *Completer) Complete(ctx context.Context, messages []models.Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]models.Message(nil), messages...))
	if c.Err != nil {
		return "", c.Err
	}
	return c.Reply, nil
}

func (c *Completer) Calls() [][]models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
