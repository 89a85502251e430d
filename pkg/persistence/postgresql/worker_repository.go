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

// WorkerRepository handles worker-related database operations.
type WorkerRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkerRepository creates a new worker repository.
func NewWorkerRepository(db *sql.DB, logger *slog.Logger) *WorkerRepository {
	return &WorkerRepository{db: db, logger: logger}
}

// Save upserts a worker.
func (r *WorkerRepository) Save(ctx context.Context, worker *models.Worker) error {
	data, err := json.Marshal(worker)
	if err != nil {
		return persistence.NewStoreError("SaveWorker", "worker", worker.ID, err)
	}

	query := `
		INSERT INTO workers (id, dead, lease_expires_at, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			dead = EXCLUDED.dead
		  , lease_expires_at = EXCLUDED.lease_expires_at
		  , data = EXCLUDED.data
	`

	_, err = r.db.ExecContext(ctx, query, worker.ID, worker.Dead, worker.LeaseExpiresAt, data)
	if err != nil {
		return persistence.NewStoreError("SaveWorker", "worker", worker.ID, err)
	}

	return nil
}

// GetByID returns a worker by its id.
func (r *WorkerRepository) GetByID(ctx context.Context, id string) (*models.Worker, error) {
	var data []byte

	err := r.db.QueryRowContext(ctx, "SELECT data FROM workers WHERE id = $1", id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("WorkerByID", "worker", id, persistence.ErrWorkerNotFound)
		}

		return nil, persistence.NewStoreError("WorkerByID", "worker", id, err)
	}

	var worker models.Worker

	err = json.Unmarshal(data, &worker)
	if err != nil {
		return nil, persistence.NewStoreError("WorkerByID", "worker", id, err)
	}

	return &worker, nil
}

// GetAll returns all registered workers.
func (r *WorkerRepository) GetAll(ctx context.Context) ([]*models.Worker, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT data FROM workers")
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.Error("failed to close rows", "error", err)
		}
	}()

	workers := make([]*models.Worker, 0)

	for rows.Next() {
		var data []byte

		err = rows.Scan(&data)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}

		var worker models.Worker

		err = json.Unmarshal(data, &worker)
		if err != nil {
			return nil, fmt.Errorf("failed to decode worker: %w", err)
		}

		workers = append(workers, &worker)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}

	return workers, nil
}

// Delete removes a worker row.
func (r *WorkerRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workers WHERE id = $1", id)
	if err != nil {
		return persistence.NewStoreError("DeleteWorker", "worker", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("DeleteWorker", "worker", id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("DeleteWorker", "worker", id, persistence.ErrWorkerNotFound)
	}

	return nil
}
