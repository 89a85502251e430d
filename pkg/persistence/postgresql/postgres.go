// Package postgresql provides PostgreSQL persistence for runs, executions
// and workers.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// database/sql driver.
	_ "github.com/lib/pq"

	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	runRepo       *RunRepository
	executionRepo *ExecutionRepository
	workerRepo    *WorkerRepository
}

// NewPersistence connects, migrates and returns a PostgreSQL persistence
// layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:            database,
		logger:        logger,
		runRepo:       NewRunRepository(database, logger),
		executionRepo: NewExecutionRepository(database, logger),
		workerRepo:    NewWorkerRepository(database, logger),
	}, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.Run) error {
	return p.runRepo.Save(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	return p.runRepo.GetByID(ctx, id)
}

func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	return p.runRepo.GetAll(ctx)
}

func (p *Persistence) SaveExecution(ctx context.Context, execution *models.JobExecution) error {
	return p.executionRepo.Save(ctx, execution)
}

func (p *Persistence) ExecutionByID(ctx context.Context, id string) (*models.JobExecution, error) {
	return p.executionRepo.GetByID(ctx, id)
}

func (p *Persistence) ExecutionsByRun(ctx context.Context, runID string) ([]*models.JobExecution, error) {
	return p.executionRepo.GetByRun(ctx, runID)
}

func (p *Persistence) SaveWorker(ctx context.Context, worker *models.Worker) error {
	return p.workerRepo.Save(ctx, worker)
}

func (p *Persistence) WorkerByID(ctx context.Context, id string) (*models.Worker, error) {
	return p.workerRepo.GetByID(ctx, id)
}

func (p *Persistence) Workers(ctx context.Context) ([]*models.Worker, error) {
	return p.workerRepo.GetAll(ctx)
}

func (p *Persistence) DeleteWorker(ctx context.Context, id string) error {
	return p.workerRepo.Delete(ctx, id)
}
