package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konpol/sampipe/internal/core/pipeline"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testDefinition(name string) pipeline.Definition {
	return pipeline.Definition{
		Name: name,
		Stages: []pipeline.Stage{
			{Name: "Source", Actions: []pipeline.Action{
				{Name: "Checkout", Kind: pipeline.KindSource, Outputs: []string{"source"}},
			}},
			{Name: "Synth", Actions: []pipeline.Action{
				{Name: "Synthesize", Kind: pipeline.KindSynth, RunOrder: 1, Inputs: []string{"source"}, Outputs: []string{"self"}},
			}},
		},
	}
}

func createTestExecution(t *testing.T, store Store, pipelineName, commit string) *pipeline.Execution {
	t.Helper()
	exec, err := pipeline.NewExecution(testDefinition(pipelineName), pipeline.Trigger{CommitRef: commit, Source: "webhook"})
	require.NoError(t, err)
	require.NoError(t, store.SaveExecution(context.Background(), exec))
	return exec
}

// =============================================================================
// Definition Tests
// =============================================================================

func TestWithPragmas(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{":memory:", ":memory:?_foreign_keys=on&_busy_timeout=5000"},
		{"data/sampipe.db", "data/sampipe.db?_foreign_keys=on&_busy_timeout=5000"},
		{"file:data/sampipe.db?mode=rwc", "file:data/sampipe.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			assert.Equal(t, tt.want, withPragmas(tt.dsn))
		})
	}
}

func TestNewSQLiteStore_DSNWithQuery(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "sampipe.db") + "?mode=rwc"
	store, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer store.Close()

	var fk int
	require.NoError(t, store.DB().Get(&fk, "PRAGMA foreign_keys"))
	assert.Equal(t, 1, fk)

	_, err = store.SaveDefinition(context.Background(), testDefinition("sam-pipeline"), 0)
	require.NoError(t, err)
}

func TestGetLiveDefinition_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetLiveDefinition(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDefinition_FirstRevision(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	def := testDefinition("sam-pipeline")

	rec, err := store.SaveDefinition(ctx, def, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)

	hash, err := pipeline.Hash(def)
	require.NoError(t, err)
	assert.Equal(t, hash, rec.Hash)

	live, err := store.GetLiveDefinition(ctx, "sam-pipeline")
	require.NoError(t, err)
	assert.Equal(t, int64(1), live.Version)
	assert.True(t, pipeline.Equal(def, live.Definition))
}

func TestSaveDefinition_VersionConflict(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	def := testDefinition("sam-pipeline")

	_, err := store.SaveDefinition(ctx, def, 0)
	require.NoError(t, err)

	// A second writer that still believes nothing is saved loses.
	_, err = store.SaveDefinition(ctx, def, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVersionConflict)

	next := def.Clone()
	next.Stages = append(next.Stages, pipeline.Stage{Name: "Extra", Actions: []pipeline.Action{
		{Name: "Publish", Kind: pipeline.KindBuildPublish, Inputs: []string{"source"}},
	}})
	rec, err := store.SaveDefinition(ctx, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)

	live, err := store.GetLiveDefinition(ctx, "sam-pipeline")
	require.NoError(t, err)
	assert.Len(t, live.Definition.Stages, 3)
}

func TestSaveDefinition_RejectsInvalid(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.SaveDefinition(context.Background(), pipeline.Definition{Name: "empty"}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestListDefinitionRevisions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	def := testDefinition("sam-pipeline")
	for v := int64(0); v < 3; v++ {
		_, err := store.SaveDefinition(ctx, def, v)
		require.NoError(t, err)
	}
	_, err := store.SaveDefinition(ctx, testDefinition("other"), 0)
	require.NoError(t, err)

	revs, err := store.ListDefinitionRevisions(ctx, "sam-pipeline", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, revs, 3)
	assert.Equal(t, int64(3), revs[0].Version)
	assert.Equal(t, int64(1), revs[2].Version)

	revs, err = store.ListDefinitionRevisions(ctx, "sam-pipeline", ListOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, revs, 1)
	assert.Equal(t, int64(2), revs[0].Version)
}

// =============================================================================
// Execution Tests
// =============================================================================

func TestSaveExecution_Upsert(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	exec := createTestExecution(t, store, "sam-pipeline", "abc123")

	require.NoError(t, exec.Transition(pipeline.StatusRunning))
	exec.Stages = append(exec.Stages, pipeline.NewStageRun(testDefinition("sam-pipeline").Stages[0]))
	require.NoError(t, exec.Stages[0].Transition(pipeline.StatusRunning))
	require.NoError(t, exec.Fail(errors.New("stage Source failed")))
	require.NoError(t, store.SaveExecution(ctx, exec))

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
	assert.Equal(t, "abc123", got.CommitRef)
	assert.Equal(t, "webhook", got.TriggerSource)
	assert.Equal(t, "stage Source failed", got.Error)
	assert.Equal(t, exec.DefinitionHash, got.DefinitionHash)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "Source", got.Stages[0].Stage)
	assert.Equal(t, pipeline.StatusRunning, got.Stages[0].Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.WithinDuration(t, *exec.FinishedAt, *got.FinishedAt, time.Millisecond)
}

func TestGetExecution_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetExecution(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "execution", storeErr.Entity)
	assert.Equal(t, "nope", storeErr.ID)
}

func TestListExecutions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := createTestExecution(t, store, "sam-pipeline", "a")
	time.Sleep(2 * time.Millisecond)
	second := createTestExecution(t, store, "sam-pipeline", "b")
	createTestExecution(t, store, "other", "c")

	execs, err := store.ListExecutions(ctx, "sam-pipeline", DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, second.ID, execs[0].ID, "newest first")
	assert.Equal(t, first.ID, execs[1].ID)

	all, err := store.ListExecutions(ctx, "", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// =============================================================================
// Transaction Tests
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.SaveDefinition(ctx, testDefinition("sam-pipeline"), 0); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = store.GetLiveDefinition(ctx, "sam-pipeline")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOptions_Normalize(t *testing.T) {
	tests := []struct {
		name string
		in   ListOptions
		want ListOptions
	}{
		{"zero", ListOptions{}, ListOptions{Limit: 100}},
		{"too large", ListOptions{Limit: 5000}, ListOptions{Limit: 1000}},
		{"negative offset", ListOptions{Limit: 10, Offset: -1}, ListOptions{Limit: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize())
		})
	}
}
