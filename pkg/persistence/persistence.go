// Package persistence provides the data storage abstraction for runs,
// executions and workers.
package persistence

import (
	"context"

	"github.com/hoistci/hoist/pkg/models"
)

type Persistence interface {
	SaveRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)
	Runs(ctx context.Context) ([]*models.Run, error)

	SaveExecution(ctx context.Context, execution *models.JobExecution) error
	ExecutionByID(ctx context.Context, id string) (*models.JobExecution, error)
	ExecutionsByRun(ctx context.Context, runID string) ([]*models.JobExecution, error)

	SaveWorker(ctx context.Context, worker *models.Worker) error
	WorkerByID(ctx context.Context, id string) (*models.Worker, error)
	Workers(ctx context.Context) ([]*models.Worker, error)
	DeleteWorker(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
