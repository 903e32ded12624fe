package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id, status string, createdAt time.Time) *Record {
	return &Record{
		WorkflowID:   id,
		WorkflowType: "code-review",
		Status:       status,
		CurrentStage: "planning",
		InputData:    map[string]any{"repo": "conductor"},
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.Create(ctx, record("wf-1", "initiated", now)))

	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "initiated", got.Status)
	assert.Equal(t, "code-review", got.WorkflowType)

	// Duplicate creation rejected
	assert.Error(t, st.Create(ctx, record("wf-1", "initiated", now)))

	_, err = st.Get(ctx, "wf-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreCopySemantics(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	rec := record("wf-1", "initiated", time.Now().UTC())
	require.NoError(t, st.Create(ctx, rec))

	// Mutating the caller's record must not leak into the store
	rec.Status = "mangled"
	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "initiated", got.Status)

	// Mutating a fetched record must not leak either
	got.Status = "also mangled"
	again, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "initiated", again.Status)
}

func TestMemoryStoreUpdate(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.Create(ctx, record("wf-1", "initiated", now)))

	rec, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	rec.Status = "succeeded"
	rec.Progress = 100
	completed := time.Now().UTC()
	rec.CompletedAt = &completed
	require.NoError(t, st.Update(ctx, rec))

	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.UpdatedAt.After(now) || got.UpdatedAt.Equal(now))

	assert.ErrorIs(t, st.Update(ctx, record("wf-missing", "running", now)), ErrNotFound)
}

func TestMemoryStoreUpdateStatus(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, record("wf-1", "initiated", time.Now().UTC())))
	require.NoError(t, st.UpdateStatus(ctx, "wf-1", "running", "coding", 33))

	got, err := st.Get(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status)
	assert.Equal(t, "coding", got.CurrentStage)
	assert.Equal(t, 33, got.Progress)

	assert.ErrorIs(t, st.UpdateStatus(ctx, "wf-missing", "running", "x", 0), ErrNotFound)
}

func TestMemoryStoreListFilterAndOrder(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.Create(ctx, record("wf-1", "succeeded", base)))
	require.NoError(t, st.Create(ctx, record("wf-2", "running", base.Add(time.Minute))))
	require.NoError(t, st.Create(ctx, record("wf-3", "running", base.Add(2*time.Minute))))

	all, err := st.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "wf-3", all[0].WorkflowID, "newest first")

	running, err := st.List(ctx, "running", 10)
	require.NoError(t, err)
	require.Len(t, running, 2)

	limited, err := st.List(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "wf-3", limited[0].WorkflowID)
}

func TestMemoryStoreDelete(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, st.Create(ctx, record("wf-1", "initiated", time.Now().UTC())))
	require.NoError(t, st.Delete(ctx, "wf-1"))
	assert.ErrorIs(t, st.Delete(ctx, "wf-1"), ErrNotFound)

	_, err := st.Get(ctx, "wf-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
