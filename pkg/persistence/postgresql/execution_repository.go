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

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

// Save upserts an execution.
func (r *ExecutionRepository) Save(ctx context.Context, execution *models.JobExecution) error {
	data, err := json.Marshal(execution)
	if err != nil {
		return persistence.NewStoreError("SaveExecution", "execution", execution.ID, err)
	}

	query := `
		INSERT INTO executions (id, run_id, job_id, state, retry_count, worker_id, data)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state
		  , retry_count = EXCLUDED.retry_count
		  , worker_id = EXCLUDED.worker_id
		  , data = EXCLUDED.data
	`

	_, err = r.db.ExecContext(ctx, query,
		execution.ID,
		execution.RunID,
		execution.JobID,
		string(execution.State),
		execution.RetryCount,
		execution.WorkerID,
		data,
	)
	if err != nil {
		return persistence.NewStoreError("SaveExecution", "execution", execution.ID, err)
	}

	return nil
}

// GetByID returns an execution by its id.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.JobExecution, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, "SELECT data FROM executions WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("ExecutionByID", "execution", id, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewStoreError("ExecutionByID", "execution", id, err)
	}

	var execution models.JobExecution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewStoreError("ExecutionByID", "execution", id, err)
	}

	return &execution, nil
}

// GetByRun returns all executions belonging to a run, oldest first.
func (r *ExecutionRepository) GetByRun(ctx context.Context, runID string) ([]*models.JobExecution, error) {
	query := `
		SELECT data
		FROM executions
		WHERE run_id = $1
		ORDER BY (data->>'enqueued_at') ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.Error("failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.JobExecution, 0)

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		var execution models.JobExecution

		err = json.Unmarshal(data, &execution)
		if err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}

		executions = append(executions, &execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return executions, nil
}
