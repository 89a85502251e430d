// Package mocks provides testify mocks for the persistence and event bus
// contracts.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/hoistci/hoist/pkg/models"
)

// MockPersistence is a mock implementation of persistence.Persistence.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) SaveRun(ctx context.Context, run *models.Run) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockPersistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockPersistence) Runs(ctx context.Context) ([]*models.Run, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockPersistence) SaveExecution(ctx context.Context, execution *models.JobExecution) error {
	args := m.Called(ctx, execution)

	return args.Error(0)
}

func (m *MockPersistence) ExecutionByID(ctx context.Context, id string) (*models.JobExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.JobExecution), args.Error(1)
}

func (m *MockPersistence) ExecutionsByRun(ctx context.Context, runID string) ([]*models.JobExecution, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.JobExecution), args.Error(1)
}

func (m *MockPersistence) SaveWorker(ctx context.Context, worker *models.Worker) error {
	args := m.Called(ctx, worker)

	return args.Error(0)
}

func (m *MockPersistence) WorkerByID(ctx context.Context, id string) (*models.Worker, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Worker), args.Error(1)
}

func (m *MockPersistence) Workers(ctx context.Context) ([]*models.Worker, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Worker), args.Error(1)
}

func (m *MockPersistence) DeleteWorker(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
