package entities

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/contracts"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	run := sampleRun("run1", time.Now().UTC())

	require.NoError(t, store.Create(ctx, run))

	err := store.Create(ctx, sampleRun("run1", time.Now().UTC()))
	require.Error(t, err)
	assert.Equal(t, errs.CodeRunExists, errs.CodeOf(err))

	err = store.Create(ctx, sampleRun("_bad name_", time.Now().UTC()))
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidRunName, errs.CodeOf(err))

	got, err := store.Get(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, run.FlowPath, got.FlowPath)

	// The store hands out copies, not aliases.
	got.Data["data"] = "mutated"
	again, err := store.Get(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, "/data/test.jsonl", again.Data["data"])

	_, err = store.Get(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.CodeRunNotFound, errs.CodeOf(err))
}

func TestMemoryStoreUpdateMergePatch(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, sampleRun("run1", time.Now().UTC())))

	updated, err := store.Update(ctx, "run1", map[string]any{
		"status":       "Completed",
		"display_name": "first try",
		"tags":         map[string]any{"team": "qa"},
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCompleted, updated.Status)
	assert.Equal(t, "first try", updated.DisplayName)
	assert.Equal(t, "qa", updated.Tags["team"])
	// Fields absent from the patch are untouched.
	assert.Equal(t, "/flows/qa", updated.FlowPath)

	// The name is immutable.
	renamed, err := store.Update(ctx, "run1", map[string]any{"name": "run2"})
	require.NoError(t, err)
	assert.Equal(t, "run1", renamed.Name)
	_, err = store.Get(ctx, "run2")
	assert.Error(t, err)
}

func TestMemoryStoreListViews(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	for i, name := range []string{"old", "mid", "new"} {
		require.NoError(t, store.Create(ctx, sampleRun(name, base.Add(time.Duration(i)*time.Hour))))
	}
	_, err := store.Archive(ctx, "mid")
	require.NoError(t, err)

	active, err := store.List(ctx, ListOptions{View: ViewActive})
	require.NoError(t, err)
	require.Len(t, active, 2)
	// Newest first.
	assert.Equal(t, "new", active[0].Name)
	assert.Equal(t, "old", active[1].Name)

	archived, err := store.List(ctx, ListOptions{View: ViewArchived})
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "mid", archived[0].Name)
	assert.True(t, archived[0].Archived)

	all, err := store.List(ctx, ListOptions{View: ViewAll, MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	restored, err := store.Restore(ctx, "mid")
	require.NoError(t, err)
	assert.False(t, restored.Archived)
}

func TestMemoryStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Create(ctx, sampleRun("run1", time.Now().UTC())))

	require.NoError(t, store.Delete(ctx, "run1"))
	err := store.Delete(ctx, "run1")
	require.Error(t, err)
	assert.Equal(t, errs.CodeRunNotFound, errs.CodeOf(err))
}
