package file

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence"
)

func TestPersistence_RunRoundTrip(t *testing.T) {
	store := NewPersistence(t.TempDir())

	run := &models.Run{
		ID:         "run-1",
		PipelineID: "pipe-1",
		Event:      models.TriggerEvent{Type: "push", Branch: "main"},
		Order:      []string{"build", "test"},
		CreatedAt:  time.Now().UTC(),
	}

	require.NoError(t, store.SaveRun(t.Context(), run))

	loaded, err := store.RunByID(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.PipelineID, loaded.PipelineID)
	assert.Equal(t, run.Order, loaded.Order)
	assert.Equal(t, "main", loaded.Event.Branch)

	runs, err := store.Runs(t.Context())
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestPersistence_RunNotFound(t *testing.T) {
	store := NewPersistence(t.TempDir())

	_, err := store.RunByID(t.Context(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestPersistence_ExecutionsByRun(t *testing.T) {
	store := NewPersistence(t.TempDir())

	for _, e := range []*models.JobExecution{
		{ID: "e1", RunID: "run-1", JobID: "build", State: models.ExecutionQueued},
		{ID: "e2", RunID: "run-1", JobID: "test", State: models.ExecutionRunning},
		{ID: "e3", RunID: "run-2", JobID: "build", State: models.ExecutionQueued},
	} {
		require.NoError(t, store.SaveExecution(t.Context(), e))
	}

	executions, err := store.ExecutionsByRun(t.Context(), "run-1")
	require.NoError(t, err)
	assert.Len(t, executions, 2)

	loaded, err := store.ExecutionByID(t.Context(), "e2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, loaded.State)
}

func TestPersistence_WorkerLifecycle(t *testing.T) {
	store := NewPersistence(t.TempDir())

	worker := &models.Worker{
		ID:            "worker-1",
		Labels:        []string{"linux", "docker"},
		LeaseDuration: time.Minute,
		RegisteredAt:  time.Now().UTC(),
	}

	require.NoError(t, store.SaveWorker(t.Context(), worker))

	loaded, err := store.WorkerByID(t.Context(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, worker.Labels, loaded.Labels)

	workers, err := store.Workers(t.Context())
	require.NoError(t, err)
	assert.Len(t, workers, 1)

	require.NoError(t, store.DeleteWorker(t.Context(), "worker-1"))

	_, err = store.WorkerByID(t.Context(), "worker-1")
	assert.ErrorIs(t, err, persistence.ErrWorkerNotFound)

	err = store.DeleteWorker(t.Context(), "worker-1")
	assert.ErrorIs(t, err, persistence.ErrWorkerNotFound)
}

func TestPersistence_HealthCheck(t *testing.T) {
	store := NewPersistence(t.TempDir())
	require.NoError(t, store.HealthCheck(t.Context()))

	missing := NewPersistence("/nonexistent/hoist-data")
	require.Error(t, missing.HealthCheck(t.Context()))
}

func TestNewPersistence_FileURL(t *testing.T) {
	dir := t.TempDir()
	store := NewPersistence("file://" + dir)

	require.NoError(t, store.HealthCheck(t.Context()))
}
