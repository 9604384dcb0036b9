package storage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-explorer/backend/internal/storage/models"
)

func TestWriteChunks_AllStored(t *testing.T) {
	chunks := []models.ChunkInput{{Text: "a"}, {Text: "b"}, {Text: "c"}}

	var seen [3]atomic.Bool
	n, err := WriteChunks(context.Background(), "test", chunks, 2, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		seen[index].Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for i := range seen {
		assert.True(t, seen[i].Load(), "chunk %d not written", i)
	}
}

func TestWriteChunks_ReportsFailedIndices(t *testing.T) {
	chunks := []models.ChunkInput{{Text: "a"}, {Text: "b"}, {Text: ""}, {Text: "d"}}
	boom := errors.New("boom")

	n, err := WriteChunks(context.Background(), "test", chunks, 4, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		if chunk.Text == "b" {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, FailedIndices(err))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	var cwe *models.ChunkWriteError
	require.ErrorAs(t, err, &cwe)
	assert.Equal(t, "test", cwe.Store)
	assert.Equal(t, 2, cwe.Stored)
}

func TestWriteChunks_Empty(t *testing.T) {
	n, err := WriteChunks(context.Background(), "test", nil, 1, func(ctx context.Context, index int, chunk models.ChunkInput) error {
		t.Fatal("write must not be called")
		return nil
	})
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedIndices_OtherError(t *testing.T) {
	assert.Nil(t, FailedIndices(errors.New("x")))
	assert.Nil(t, FailedIndices(nil))
}

type schemaStub struct {
	err error
}

func (s schemaStub) ListLabels(ctx context.Context) ([]string, error) {
	return []string{"Entity"}, s.err
}

func (s schemaStub) ListRelationshipTypes(ctx context.Context) ([]string, error) {
	return []string{"CONTAINS"}, nil
}

func (s schemaStub) ListPropertyKeys(ctx context.Context) ([]string, error) {
	return []string{"name"}, nil
}

func TestReadSchema(t *testing.T) {
	snap, err := ReadSchema(context.Background(), schemaStub{})
	require.NoError(t, err)
	assert.True(t, snap.HasLabel("Entity"))
	assert.True(t, snap.HasRelationshipType("CONTAINS"))
	assert.Equal(t, []string{"name"}, snap.PropertyKeys)

	_, err = ReadSchema(context.Background(), schemaStub{err: models.ErrStoreUnavailable})
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}
