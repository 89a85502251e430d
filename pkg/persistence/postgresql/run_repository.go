package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence"
)

// RunRepository handles run-related database operations. Executions are
// stored in their own table; the run row keeps everything else as JSONB.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

// Save upserts the run row and every execution belonging to it.
func (r *RunRepository) Save(ctx context.Context, run *models.Run) error {
	data, err := marshalRun(run)
	if err != nil {
		return persistence.NewStoreError("SaveRun", "run", run.ID, err)
	}

	query := `
		INSERT INTO runs (id, pipeline_id, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data
	`

	_, err = r.db.ExecContext(ctx, query, run.ID, run.PipelineID, data, run.CreatedAt)
	if err != nil {
		return persistence.NewStoreError("SaveRun", "run", run.ID, err)
	}

	executionRepo := NewExecutionRepository(r.db, r.logger)

	for _, execution := range run.Executions {
		err = executionRepo.Save(ctx, execution)
		if err != nil {
			return fmt.Errorf("failed to save execution %s: %w", execution.ID, err)
		}
	}

	return nil
}

// GetByID returns a run with its executions attached.
func (r *RunRepository) GetByID(ctx context.Context, id string) (*models.Run, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, "SELECT data FROM runs WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("RunByID", "run", id, persistence.ErrRunNotFound)
		}

		return nil, persistence.NewStoreError("RunByID", "run", id, err)
	}

	run, err := unmarshalRun(data)
	if err != nil {
		return nil, persistence.NewStoreError("RunByID", "run", id, err)
	}

	run.Executions, err = NewExecutionRepository(r.db, r.logger).GetByRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load executions for run %s: %w", id, err)
	}

	return run, nil
}

// GetAll returns every run, executions attached.
func (r *RunRepository) GetAll(ctx context.Context) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, data FROM runs ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.Error("failed to close rows", "error", err)
		}
	}()

	executionRepo := NewExecutionRepository(r.db, r.logger)
	runs := make([]*models.Run, 0)

	for rows.Next() {
		var (
			id   string
			data []byte
		)

		err = rows.Scan(&id, &data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		run, err := unmarshalRun(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode run %s: %w", id, err)
		}

		run.Executions, err = executionRepo.GetByRun(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load executions for run %s: %w", id, err)
		}

		runs = append(runs, run)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// marshalRun strips executions from the JSONB payload; they live in their
// own table.
func marshalRun(run *models.Run) ([]byte, error) {
	shallow := *run
	shallow.Executions = nil

	return json.Marshal(&shallow)
}

func unmarshalRun(data []byte) (*models.Run, error) {
	var run models.Run

	err := json.Unmarshal(data, &run)
	if err != nil {
		return nil, err
	}

	return &run, nil
}
