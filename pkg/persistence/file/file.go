// Package file provides file-based persistence for runs, executions and
// workers. Each entity is stored as one JSON document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence"
)

// Persistence implements persistence.Persistence on the file system.
type Persistence struct {
	mu   sync.RWMutex
	root string
}

// NewPersistence creates file persistence rooted at the given directory.
// Accepts a plain path or a file:// URL.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

// Close performs any necessary cleanup. Nothing to do for files.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (fp *Persistence) SaveRun(_ context.Context, run *models.Run) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := fp.write("runs", run.ID, run)
	if err != nil {
		return persistence.NewStoreError("SaveRun", "run", run.ID, err)
	}

	return nil
}

func (fp *Persistence) RunByID(_ context.Context, id string) (*models.Run, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	var run models.Run

	err := fp.read("runs", id, &run)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewStoreError("RunByID", "run", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewStoreError("RunByID", "run", id, err)
	}

	return &run, nil
}

func (fp *Persistence) Runs(_ context.Context) ([]*models.Run, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	runs := make([]*models.Run, 0)

	err := fp.readAll("runs", func(data []byte) error {
		var run models.Run

		err := json.Unmarshal(data, &run)
		if err != nil {
			return err
		}

		runs = append(runs, &run)

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("Runs", "run", "", err)
	}

	return runs, nil
}

func (fp *Persistence) SaveExecution(_ context.Context, execution *models.JobExecution) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := fp.write("executions", execution.ID, execution)
	if err != nil {
		return persistence.NewStoreError("SaveExecution", "execution", execution.ID, err)
	}

	return nil
}

func (fp *Persistence) ExecutionByID(_ context.Context, id string) (*models.JobExecution, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	var execution models.JobExecution

	err := fp.read("executions", id, &execution)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewStoreError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("ExecutionByID", "execution", id, err)
	}

	return &execution, nil
}

func (fp *Persistence) ExecutionsByRun(_ context.Context, runID string) ([]*models.JobExecution, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	executions := make([]*models.JobExecution, 0)

	err := fp.readAll("executions", func(data []byte) error {
		var execution models.JobExecution

		err := json.Unmarshal(data, &execution)
		if err != nil {
			return err
		}

		if execution.RunID == runID {
			executions = append(executions, &execution)
		}

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("ExecutionsByRun", "execution", runID, err)
	}

	return executions, nil
}

func (fp *Persistence) SaveWorker(_ context.Context, worker *models.Worker) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := fp.write("workers", worker.ID, worker)
	if err != nil {
		return persistence.NewStoreError("SaveWorker", "worker", worker.ID, err)
	}

	return nil
}

func (fp *Persistence) WorkerByID(_ context.Context, id string) (*models.Worker, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	var worker models.Worker

	err := fp.read("workers", id, &worker)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewStoreError("WorkerByID", "worker", id, persistence.ErrWorkerNotFound)
		}

		return nil, persistence.NewStoreError("WorkerByID", "worker", id, err)
	}

	return &worker, nil
}

func (fp *Persistence) Workers(_ context.Context) ([]*models.Worker, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	workers := make([]*models.Worker, 0)

	err := fp.readAll("workers", func(data []byte) error {
		var worker models.Worker

		err := json.Unmarshal(data, &worker)
		if err != nil {
			return err
		}

		workers = append(workers, &worker)

		return nil
	})
	if err != nil {
		return nil, persistence.NewStoreError("Workers", "worker", "", err)
	}

	return workers, nil
}

func (fp *Persistence) DeleteWorker(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	err := os.Remove(fp.path("workers", id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistence.NewStoreError("DeleteWorker", "worker", id, persistence.ErrWorkerNotFound)
		}

		return persistence.NewStoreError("DeleteWorker", "worker", id, err)
	}

	return nil
}

func (fp *Persistence) path(kind, id string) string {
	return filepath.Join(fp.root, kind, id+".json")
}

func (fp *Persistence) write(kind, id string, entity any) error {
	dir := filepath.Join(fp.root, kind)

	err := os.MkdirAll(dir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", kind, id, err)
	}

	err = os.WriteFile(fp.path(kind, id), data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s %s: %w", kind, id, err)
	}

	return nil
}

func (fp *Persistence) read(kind, id string, entity any) error {
	data, err := os.ReadFile(fp.path(kind, id))
	if err != nil {
		return err
	}

	return json.Unmarshal(data, entity)
}

func (fp *Persistence) readAll(kind string, each func(data []byte) error) error {
	dir := filepath.Join(fp.root, kind)

	files, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file.Name(), err)
		}

		err = each(data)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", file.Name(), err)
		}
	}

	return nil
}
