package results

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildata/veil/internal/objectstore"
)

func TestStoreReadWriteReleased(t *testing.T) {
	ctx := context.Background()
	blobs := objectstore.NewMemoryStore()
	store := NewStore(blobs)
	jobID := uuid.New()

	require.NoError(t, blobs.Put(ctx, SanitizedKey(jobID, 1),
		strings.NewReader(sampleCSV), int64(len(sampleCSV)), "text/csv"))

	table, err := store.ReadSanitized(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, table.Rows, 3)

	subset, cost := table.Select([]int{1})
	assert.Equal(t, 0.30000000000000004, cost)
	require.NoError(t, store.WriteReleased(ctx, jobID, 1, subset))

	released, err := store.ReadReleased(ctx, jobID, 1)
	require.NoError(t, err)
	require.Len(t, released.Rows, 2)
	for _, row := range released.Rows {
		assert.Equal(t, 1, row.AnalysisID)
	}
}

func TestStoreMissingRun(t *testing.T) {
	ctx := context.Background()
	store := NewStore(objectstore.NewMemoryStore())

	_, err := store.ReadSanitized(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, ErrNoResults)

	_, err = store.ReadReleased(ctx, uuid.New(), 1)
	assert.ErrorIs(t, err, ErrNoResults)

	_, err = store.PresignReleased(ctx, uuid.New(), 1, time.Hour)
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestStoreStream(t *testing.T) {
	ctx := context.Background()
	blobs := objectstore.NewMemoryStore()
	store := NewStore(blobs)
	jobID := uuid.New()

	require.NoError(t, blobs.Put(ctx, SanitizedKey(jobID, 2),
		strings.NewReader(sampleCSV), int64(len(sampleCSV)), "text/csv"))

	var buf bytes.Buffer
	require.NoError(t, store.StreamSanitized(ctx, jobID, 2, &buf))
	assert.Equal(t, sampleCSV, buf.String())
}

func TestStorePutScript(t *testing.T) {
	ctx := context.Background()
	blobs := objectstore.NewMemoryStore()
	store := NewStore(blobs)
	jobID := uuid.New()

	body := "library(tidyverse)\n"
	key, err := store.PutScript(ctx, jobID, "model.R", strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	assert.Equal(t, ScriptKey(jobID, "model.R"), key)

	info, err := blobs.Stat(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), info.Size)
}

func TestKeyLayout(t *testing.T) {
	jobID := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	assert.Equal(t,
		"submissions/11111111-2222-3333-4444-555555555555/sanitized_output_3.csv",
		SanitizedKey(jobID, 3))
	assert.Equal(t,
		"submissions/11111111-2222-3333-4444-555555555555/released_output_3.csv",
		ReleasedKey(jobID, 3))
	// Path traversal in filenames is flattened to the base name.
	assert.Equal(t,
		"submissions/11111111-2222-3333-4444-555555555555/script/evil.R",
		ScriptKey(jobID, "../../evil.R"))
}
